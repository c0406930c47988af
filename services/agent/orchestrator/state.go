// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/llm"
)

// State is a conversation's position in the orchestration loop.
type State string

const (
	StateIdle           State = "Idle"
	StateAwaitingModel  State = "AwaitingModel"
	StateExecutingTools State = "ExecutingTools"
	StateDone           State = "Done"
	StateAborted        State = "Aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:           {StateAwaitingModel, StateAborted},
	StateAwaitingModel:  {StateExecutingTools, StateDone, StateAborted},
	StateExecutingTools: {StateAwaitingModel, StateAborted},
}

// conversation is the state of one in-flight request. It is owned by the
// goroutine running Handle; tool goroutines never touch it.
type conversation struct {
	id         string
	actor      agent.ActorContext
	state      State
	iterations int
	transcript []llm.ChatMessage
	results    []agent.ToolExecutionResult
	usage      llm.Usage
}

func newConversation(id string, actor agent.ActorContext, systemPrompt, message string) *conversation {
	return &conversation{
		id:    id,
		actor: actor,
		state: StateIdle,
		transcript: []llm.ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: message},
		},
	}
}

// transition moves to next, rejecting moves the state machine does not allow.
func (c *conversation) transition(next State) error {
	for _, s := range transitions[c.state] {
		if s == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("orchestrator: illegal transition %s -> %s", c.state, next)
}
