// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/AleutianAI/stagehand/services/stagehand/graph"
)

// ErrNoCommand is returned when an exec agent has nothing to run.
var ErrNoCommand = errors.New("exec agent: no command configured")

// maxStderr bounds how much stderr is copied into an error message.
const maxStderr = 2048

// ExecAgent runs a local command for each invocation.
//
// Description:
//
//	The command comes from the stage's "command" config entry, falling back
//	to the agent's own Command. Arguments are split on whitespace. The
//	process receives a JSON document {"stage": ..., "inputs": ...} on stdin.
//	If stdout is a JSON object with an "output" key it is decoded as a
//	Result; otherwise trimmed stdout becomes Result.Output. A non-zero exit
//	status is a failed attempt. The process is killed when ctx expires.
type ExecAgent struct {
	Command []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

type execRequest struct {
	Stage  graph.StageDefinition `json:"stage"`
	Inputs map[string]any        `json:"inputs"`
}

// Invoke runs the command once.
func (a *ExecAgent) Invoke(ctx context.Context, stage graph.StageDefinition, inputs map[string]any) (Result, error) {
	argv := a.Command
	if cmd := strings.TrimSpace(stage.Config["command"]); cmd != "" {
		argv = strings.Fields(cmd)
	}
	if len(argv) == 0 {
		return Result{}, ErrNoCommand
	}

	payload, err := json.Marshal(execRequest{Stage: stage, Inputs: inputs})
	if err != nil {
		return Result{}, fmt.Errorf("encode exec request: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = a.Dir
	if len(a.Env) > 0 {
		cmd.Env = a.Env
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("exec agent starting",
		slog.String("stage", stage.ID),
		slog.String("command", argv[0]),
	)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		if msg != "" {
			return Result{}, fmt.Errorf("exec %s: %w: %s", argv[0], err, msg)
		}
		return Result{}, fmt.Errorf("exec %s: %w", argv[0], err)
	}

	return decodeExecOutput(stdout.Bytes()), nil
}

func decodeExecOutput(out []byte) Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, ok := probe["output"]; ok {
				var res Result
				if err := json.Unmarshal(trimmed, &res); err == nil {
					return res
				}
			}
		}
	}
	return Result{Output: string(trimmed)}
}

var _ Agent = (*ExecAgent)(nil)
