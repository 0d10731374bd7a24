package executors

// DefaultPrecedence is the declared dispatch order for the built-in
// executors. Order is a correctness-sensitive artifact, not an accident of
// registration: GenericTrigger matches any "*-trigger" type and must come
// after every specific trigger executor, or it shadows them. The registry
// appends the total Passthrough fallback after whatever is declared here.
func DefaultPrecedence() []NodeExecutor {
	return []NodeExecutor{
		ManualTrigger{},
		ScheduleTrigger{},
		GenericTrigger{},
		Merge{},
		Delay{},
		Set{},
	}
}
