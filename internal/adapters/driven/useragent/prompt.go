package useragent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var _ driven.UserAgent = (*Prompt)(nil)

// Prompt prints the authorization URL and reads the redirect URL the user
// pastes back. It serves custom schemes ("myapp://...") that no local
// listener can receive. An empty line cancels.
//
// A read cannot be interrupted, so when ctx ends first the read stays
// pending and its line is handed to the next Open.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	pending chan line
}

// NewPrompt creates a Prompt reading from in and writing to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

type line struct {
	text string
	err  error
}

// readLine returns the outstanding read, starting one if none is.
func (p *Prompt) readLine() <-chan line {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		ch := make(chan line, 1)
		go func() {
			text, err := p.in.ReadString('\n')
			ch <- line{text: text, err: err}
		}()
		p.pending = ch
	}
	return p.pending
}

func (p *Prompt) consumed() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Open implements driven.UserAgent.
func (p *Prompt) Open(ctx context.Context, authURL, redirectScheme string) (*url.URL, error) {
	fmt.Fprintf(p.out, "Open this URL to authorize:\n\n  %s\n\nThen paste the %s... address you were sent to (empty line cancels):\n",
		authURL, redirectScheme)

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUserCancelled, ctx.Err())
		}
		return nil, ctx.Err()
	case l := <-p.readLine():
		p.consumed()
		text := strings.TrimSpace(l.text)
		if text == "" {
			if l.err != nil && l.err != io.EOF {
				return nil, fmt.Errorf("read redirect: %w", l.err)
			}
			return nil, domain.ErrUserCancelled
		}
		if !strings.HasPrefix(text, redirectScheme) {
			return nil, fmt.Errorf("%w: %q does not start with %q", domain.ErrInvalidInput, text, redirectScheme)
		}
		u, err := url.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		return u, nil
	}
}
