package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"packforge/internal/logging"
	"packforge/internal/types"
)

// StdioTransport binds one implicit session to a newline-delimited JSON
// stream, one Request per line in and one Response per line out. Used
// when packforge runs as a subprocess of an agent host; the host's
// identity is fixed at startup, so there is no per-request auth.
type StdioTransport struct {
	table  *Table
	userID string
}

// NewStdioTransport creates a stdio binding for a pre-authenticated user.
func NewStdioTransport(table *Table, userID string) *StdioTransport {
	return &StdioTransport{table: table, userID: userID}
}

// Run pumps the streams until EOF or ctx cancellation. The session dies
// with the stream; job work started through it keeps running.
func (t *StdioTransport) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	session := t.table.Open(t.userID)
	defer t.table.CloseSession(session.ID)

	var writeMu sync.Mutex
	writeLine := func(resp *Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			logging.Transport("stdio: failed to encode response id=%s: %v", resp.ID, err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			logging.Transport("stdio: write failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for resp := range session.Outbound() {
			writeLine(resp)
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(errorResponse("", types.Validationf("malformed request: %v", err)))
			continue
		}
		if err := t.table.Submit(session, &req); err != nil {
			writeLine(errorResponse(req.ID, err))
		}
	}

	err := scanner.Err()
	t.table.CloseSession(session.ID)
	<-done

	if err != nil {
		logging.Transport("stdio: read loop ended: %v", err)
		return err
	}
	logging.Transport("stdio: stream closed, session %s torn down", session.ID)
	return nil
}
