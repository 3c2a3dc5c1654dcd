package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// CommandRequest asks the bot process to run an operator command.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// CommandReply is the answer to a CommandRequest.
type CommandReply struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CommandError is a command that ran in the bot process and failed there.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// CommandRunner runs one operator command and writes its output to out.
type CommandRunner func(ctx context.Context, name string, args []string, out io.Writer) error

// Serve answers command requests on subject. Requests are handled one at a
// time, each bounded by timeout.
func Serve(conn *nats.Conn, subject string, run CommandRunner, timeout time.Duration, log zerolog.Logger) (*Subscriber, error) {
	if conn == nil {
		return nil, errors.New("nil nats connection")
	}
	log = log.With().Str("component", "events").Str("subject", subject).Logger()

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var req CommandRequest
		var reply CommandReply
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Command == "" {
			reply.Error = "malformed command request"
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			var out bytes.Buffer
			if err := run(ctx, req.Command, req.Args, &out); err != nil {
				reply.Error = err.Error()
			}
			cancel()
			reply.Output = out.String()
		}

		data, err := json.Marshal(reply)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode command reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Str("command", req.Command).Msg("failed to send command reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscriber{sub: sub, log: log}, nil
}

// Request runs a command in the bot process serving subject and returns its
// output. A failure inside the bot comes back as *CommandError.
func Request(ctx context.Context, conn *nats.Conn, subject, name string, args []string) (string, error) {
	data, err := json.Marshal(CommandRequest{Command: name, Args: args})
	if err != nil {
		return "", err
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return "", fmt.Errorf("no bot is serving %s: %w", subject, err)
	}
	if err != nil {
		return "", fmt.Errorf("request %s: %w", subject, err)
	}

	var reply CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode command reply: %w", err)
	}
	if reply.Error != "" {
		return reply.Output, &CommandError{Command: name, Message: reply.Error}
	}
	return reply.Output, nil
}
