package queue

import "strconv"

// keys names every Redis key used by one queue. The queue name is wrapped in
// a hash tag so all keys of a queue land in the same cluster slot.
type keys struct {
	prefix    string
	waiting   string
	delayed   string
	active    string
	completed string
	failed    string
	seq       string
	paused    string
	limiter   string
	workers   string
}

func newKeys(name string) keys {
	p := "jobqueue:{" + name + "}:"
	return keys{
		prefix:    p,
		waiting:   p + "waiting",
		delayed:   p + "delayed",
		active:    p + "active",
		completed: p + "completed",
		failed:    p + "failed",
		seq:       p + "seq",
		paused:    p + "paused",
		limiter:   p + "limiter:",
		workers:   p + "workers",
	}
}

// jobPrefix is concatenated with a job id inside scripts.
func (k keys) jobPrefix() string { return k.prefix + "job:" }

func (k keys) job(id string) string { return k.jobPrefix() + id }

// limiterWindow is the counter for one fixed rate-limit window.
func (k keys) limiterWindow(index int64) string {
	return k.limiter + strconv.FormatInt(index, 10)
}
