package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Session is a connected agent that discovery closes when done.
type Session interface {
	Caller
	Close() error
}

// Dialer connects to the agent on alias.
type Dialer func(ctx context.Context, alias string) (Session, error)

// HostResult is the outcome for one alias of RunHosts.
type HostResult struct {
	Alias  string
	Result *Result
	// Err is set when no session could be established.
	Err error
}

// RunHosts discovers several hosts in parallel, at most limit at a time,
// one session per host. Results come back in the order of aliases; a host
// that fails does not affect the others.
func (o *Orchestrator) RunHosts(ctx context.Context, aliases []string, dial Dialer, limit int) []HostResult {
	out := make([]HostResult, len(aliases))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, alias := range aliases {
		i, alias := i, alias
		g.Go(func() error {
			out[i] = HostResult{Alias: alias}
			sess, err := dial(ctx, alias)
			if err != nil {
				out[i].Err = err
				return nil
			}
			defer sess.Close()
			out[i].Result = o.Run(ctx, alias, sess)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
