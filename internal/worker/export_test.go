package worker

import "context"

// processOne claims and runs a single job synchronously. It reports
// whether a job was run.
func (p *Processor) processOne(ctx context.Context) bool {
	job, _ := p.claimNext(ctx)
	if job == nil {
		return false
	}
	p.process(ctx, job)
	return true
}
