// Package agent defines the execution capability used by the parallel executor
// and the query controller, plus an LLM-backed implementation of it.
//
// A Forker starts sessions; each SessionHandle streams typed messages and can
// be interrupted or reconfigured while it runs. LLMForker drives a multi-turn
// conversation against an LLMProvider and records every transcript so a later
// fork can resume from any message.
//
// Usage:
//
//	forker, _ := agent.NewLLMForker(agent.ForkerConfig{
//		Provider:     agent.NewAnthropicProvider(key),
//		DefaultModel: "claude-sonnet-4-5",
//	})
//	handle, _ := forker.Fork(ctx, "summarize the repo", agent.ForkOptions{MaxTurns: 2})
//	for msg := range handle.Messages() {
//		fmt.Println(msg.Type, msg.Text)
//	}
//	err := handle.Err()
package agent
