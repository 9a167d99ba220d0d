// Package gitproto implements the read side of the smart-HTTP ref
// advertisement: just enough of the v1 upload-pack handshake to find out
// which commit a remote ref currently points at.
package gitproto

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadFraming = errors.New("malformed pkt-line framing")

	// ErrNotVisible is returned by WaitVisible when the ref never showed
	// the expected head within the backoff schedule.
	ErrNotVisible = errors.New("ref not visible after backoff")
)

// Ref is one advertised ref: a 40-hex commit id and a full ref name.
type Ref struct {
	SHA  string
	Name string
}

var refLine = regexp.MustCompile(`^([0-9a-f]{40}) ([^\x00\n]+)(\x00[^\n]*)?\n?$`)

const zeroID = "0000000000000000000000000000000000000000"

// ParseRefs reads a pkt-line framed ref advertisement: the service
// announcement, a flush, then reflines until the list ends. A line starting
// with 40 zeros announces an empty repository.
func ParseRefs(r io.Reader) ([]Ref, error) {
	header, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if header == nil || strings.TrimRight(string(header), "\n ") != "# service=git-upload-pack" {
		return nil, fmt.Errorf("%w: unexpected service header %q", ErrBadFraming, header)
	}
	flush, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if flush != nil {
		return nil, fmt.Errorf("%w: missing flush after service header", ErrBadFraming)
	}

	var refs []Ref
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == nil {
			return refs, nil
		}
		if strings.HasPrefix(string(line), zeroID) {
			// no refs at all, drain to the terminating flush
			for {
				line, err := readLine(r)
				if err != nil || line == nil {
					return refs, err
				}
			}
		}
		m := refLine.FindStringSubmatch(string(line))
		if m == nil {
			return nil, fmt.Errorf("%w: bad refline %q", ErrBadFraming, line)
		}
		refs = append(refs, Ref{SHA: m[1], Name: m[2]})
	}
}

// readLine reads one pkt-line: a 4-hex-digit byte count followed by the
// payload. Returns nil for a flush (0000).
func readLine(r io.Reader) ([]byte, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("%w: reading length: %v", ErrBadFraming, err)
	}
	n, err := strconv.ParseUint(string(head), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad length %q", ErrBadFraming, head)
	}
	if n == 0 {
		return nil, nil
	}
	if n < 4 {
		return nil, fmt.Errorf("%w: length %d below header size", ErrBadFraming, n)
	}
	payload := make([]byte, n-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short payload: %v", ErrBadFraming, err)
	}
	return payload, nil
}

// Verifier checks whether a just-pushed ref is observable on the hosting
// backend, which may be eventually consistent behind its API.
type Verifier struct {
	Client  *http.Client
	BaseURL string // e.g. https://github.com
	Token   string

	// Delays is the retry schedule for WaitVisible. Sleep is swappable for
	// tests.
	Delays []time.Duration
	Sleep  func(time.Duration)
}

func NewVerifier(baseURL, token string) *Verifier {
	return &Verifier{
		Client:  &http.Client{Timeout: 30 * time.Second},
		BaseURL: baseURL,
		Token:   token,
		Delays:  []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second},
		Sleep:   time.Sleep,
	}
}

// CheckVisibility fetches the ref advertisement for repo and reports
// whether refs/heads/<branch> advertises expectedHead. Only the heads
// namespace is consulted; any other namespace fails closed.
func (v *Verifier) CheckVisibility(repo, branch, expectedHead string) (bool, error) {
	url := fmt.Sprintf("%s/%s.git/info/refs?service=git-upload-pack", v.BaseURL, repo)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(v.Token, "")

	resp, err := v.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	refs, err := ParseRefs(resp.Body)
	if err != nil {
		return false, err
	}
	want := "refs/heads/" + branch
	for _, ref := range refs {
		if ref.Name == want {
			return ref.SHA == expectedHead, nil
		}
	}
	return false, nil
}

// WaitVisible retries CheckVisibility on the fixed schedule and returns
// ErrNotVisible on exhaustion. Framing errors abort immediately: a backend
// speaking garbage will not get better by waiting.
func (v *Verifier) WaitVisible(repo, branch, expectedHead string) error {
	sleep := v.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for i, delay := range v.Delays {
		ok, err := v.CheckVisibility(repo, branch, expectedHead)
		if err != nil {
			if errors.Is(err, ErrBadFraming) {
				return err
			}
			// transport hiccup, retry on schedule
		} else if ok {
			return nil
		}
		// no point sleeping after the last check
		if i < len(v.Delays)-1 {
			sleep(delay)
		}
	}
	return fmt.Errorf("%w: %s %s != %s", ErrNotVisible, repo, branch, expectedHead)
}
