// Package permission gates microphone capture behind an explicit
// authorisation step.
//
// A [Gate] answers whether capture is allowed. [Authorize] turns a positive
// answer into a [Grant], which capture.Open requires: holding a valid Grant is
// the only way to construct a capture device, so the ordering "ask first, open
// second" is enforced by the type system rather than by convention.
package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/micgraph/pkg/audio"
)

// Gate queries or requests capture authorisation from the user or OS.
//
// Implementations must be safe for concurrent use.
type Gate interface {
	// RequestCapturePermission suspends until the user/OS answers and reports
	// whether capture is authorised. A denial returns (false, nil) and has no
	// other side effects. When ctx is cancelled before an answer arrives the
	// method returns ctx.Err().
	RequestCapturePermission(ctx context.Context) (bool, error)
}

// Grant is proof that capture was authorised. The zero value is not valid.
type Grant struct {
	issuedAt time.Time
	valid    bool
}

// Valid reports whether g was issued by [Authorize].
func (g Grant) Valid() bool { return g.valid }

// IssuedAt returns when the grant was issued.
func (g Grant) IssuedAt() time.Time { return g.issuedAt }

// Authorize asks gate for permission and returns a valid [Grant] on approval.
// A denial is reported as [audio.ErrPermissionDenied]; gate errors (including
// context cancellation) are returned wrapped.
func Authorize(ctx context.Context, gate Gate) (Grant, error) {
	if gate == nil {
		return Grant{}, fmt.Errorf("permission: no gate configured: %w", audio.ErrPermissionDenied)
	}
	ok, err := gate.RequestCapturePermission(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("permission: request: %w", err)
	}
	if !ok {
		return Grant{}, fmt.Errorf("permission: microphone permission is required to capture audio: %w", audio.ErrPermissionDenied)
	}
	return Grant{issuedAt: time.Now(), valid: true}, nil
}

// Static is a [Gate] with a fixed answer. Useful for headless deployments and
// tests.
type Static struct {
	Allowed bool
}

// RequestCapturePermission implements [Gate].
func (s Static) RequestCapturePermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Allowed, nil
}

// PrompterFunc asks a human for a yes/no decision. It may block.
type PrompterFunc func(ctx context.Context) (bool, error)

// Prompt is a [Gate] that delegates to an interactive prompter. The prompter
// runs on its own goroutine so that cancellation of ctx returns immediately
// even if the prompter itself is stuck waiting for input.
type Prompt struct {
	Prompter PrompterFunc
}

// RequestCapturePermission implements [Gate].
func (p Prompt) RequestCapturePermission(ctx context.Context) (bool, error) {
	if p.Prompter == nil {
		return false, nil
	}
	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := p.Prompter(ctx)
		ch <- answer{ok, err}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		return a.ok, a.err
	}
}

// Cached wraps a Gate and remembers a positive answer, the way a mobile OS
// stops prompting once the user has granted microphone access. Denials are not
// cached; the next request asks again.
type Cached struct {
	Gate Gate

	mu      sync.Mutex
	granted bool
}

// RequestCapturePermission implements [Gate].
func (c *Cached) RequestCapturePermission(ctx context.Context) (bool, error) {
	c.mu.Lock()
	granted := c.granted
	c.mu.Unlock()
	if granted {
		return true, nil
	}

	ok, err := c.Gate.RequestCapturePermission(ctx)
	if err != nil || !ok {
		return ok, err
	}
	c.mu.Lock()
	c.granted = true
	c.mu.Unlock()
	return true, nil
}

// Revoke forgets a cached grant.
func (c *Cached) Revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted = false
}

// TerminalPrompter returns a PrompterFunc that writes a y/N question to w and
// reads the answer from r. Anything other than "y" or "yes" is a denial.
func TerminalPrompter(r io.Reader, w io.Writer) PrompterFunc {
	var mu sync.Mutex
	br := bufio.NewReader(r)
	return func(ctx context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprint(w, "Allow microphone access? [y/N] "); err != nil {
			return false, err
		}
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
