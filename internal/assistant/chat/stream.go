package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/naamasharir/tlv500-assistant/common/trace"
)

// ErrExchangeActive is returned when a second exchange is started while one
// is still in flight.  The attempt is a no-op: no message is created and no
// request is issued.
var ErrExchangeActive = errors.New("chat: an exchange is already in flight")

// OpenFunc opens the request and returns the response body to stream from.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// StreamController drives one outstanding request/response exchange at a
// time.  The zero value is ready to use.
type StreamController struct {
	// DescribeErr renders an error for the transcript.  Callers that put
	// secrets on the wire install a redacting renderer here; nil falls
	// back to the error's own text.
	DescribeErr func(error) string

	mu     sync.Mutex
	active bool
}

func (c *StreamController) describeErr(err error) string {
	if c.DescribeErr != nil {
		return c.DescribeErr(err)
	}
	return err.Error()
}

// Active reports whether an exchange is currently in flight.
func (c *StreamController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *StreamController) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	return true
}

func (c *StreamController) release() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// Send opens one exchange and incrementally materializes the response.
//
// After every chunk the entire accumulator is republished through onPartial,
// never a delta.  Accumulation happens on raw bytes, so a multi-byte
// character split across two chunks is whole again in the final text.
//
// The final accumulated text is returned on clean stream end.  On any open
// or read failure the text read so far is returned alongside the error; no
// partial content is discarded.  The single-flight slot is released on every
// path.
func (c *StreamController) Send(ctx context.Context, open OpenFunc, onPartial func(string)) (string, error) {
	if !c.acquire() {
		return "", ErrExchangeActive
	}
	defer c.release()
	return stream(ctx, open, onPartial)
}

// Exchange binds one exchange to the transcript: it appends a loading
// assistant message, streams the accumulator into it, and finalizes it on
// both success and failure.  The loading message is never left behind.
//
// When the single-flight rule rejects the exchange, no message is appended
// and ErrExchangeActive is returned.
func (c *StreamController) Exchange(ctx context.Context, log *Log, open OpenFunc) (string, error) {
	if !c.acquire() {
		return "", ErrExchangeActive
	}
	defer c.release()

	loading := log.Append(NewLoadingMessage(SenderAssistant))

	text, err := stream(ctx, open, func(partial string) {
		log.SetText(loading.ID, partial)
	})
	if err != nil {
		log.Finalize(loading.ID, "אירעה שגיאה: "+c.describeErr(err), true)
		return text, err
	}

	log.Finalize(loading.ID, text, false)
	return text, nil
}

// stream is the chunked read loop shared by Send and Exchange.
func stream(ctx context.Context, open OpenFunc, onPartial func(string)) (string, error) {
	if onPartial == nil {
		onPartial = func(string) {}
	}

	log := slog.With("exchange_id", trace.FromContext(ctx))

	body, err := open(ctx)
	if err != nil {
		return "", fmt.Errorf("chat: open exchange: %w", err)
	}
	defer body.Close()

	var acc bytes.Buffer
	buf := make([]byte, 2048)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			onPartial(acc.String())
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("stream read failed", "received", acc.Len(), "err", err)
			return acc.String(), fmt.Errorf("chat: read stream: %w", err)
		}
	}

	log.Debug("stream finished", "bytes", acc.Len())
	return acc.String(), nil
}
