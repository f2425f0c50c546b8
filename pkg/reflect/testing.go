package reflect

import "context"

// FakeLMAdapter is a deterministic LMAdapter stand-in for tests: it
// returns Fields unconditionally, or Err if set.
type FakeLMAdapter struct {
	Fields CachedFields
	Err    error
	Calls  int
}

func (f *FakeLMAdapter) Summarize(ctx context.Context, stage string, kpis KPIs, sla SLAView, cfg LLMConfig) (CachedFields, error) {
	f.Calls++
	if f.Err != nil {
		return CachedFields{}, f.Err
	}
	return f.Fields, nil
}
