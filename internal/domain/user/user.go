package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/diary-hub/diary-hub/internal/domain/poll"
)

var ErrInvalidProfile = errors.New("invalid user profile")

var idRe = regexp.MustCompile(`^\w{1,64}$`)

// Profile is one user's configuration: language, timezone and poll
// definitions. Profiles are immutable snapshots; a reload swaps the whole
// profile rather than mutating it.
type Profile struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Lang     string            `json:"lang,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
	Polls    []poll.Definition `json:"polls,omitempty"`

	loc *time.Location
}

// Validate checks the profile and all its poll definitions. Authoring errors
// in any definition fail the whole profile at load time.
func (p *Profile) Validate() error {
	if !idRe.MatchString(p.ID) {
		return fmt.Errorf("%w: bad user id %q", ErrInvalidProfile, p.ID)
	}
	if p.Lang == "" {
		p.Lang = "en"
	}
	if len(p.Lang) != 2 {
		return fmt.Errorf("%w: user %s: lang must be a 2-letter code", ErrInvalidProfile, p.ID)
	}
	p.Lang = strings.ToLower(p.Lang)

	loc := time.UTC
	if p.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(p.Timezone)
		if err != nil {
			return fmt.Errorf("%w: user %s: timezone %q: %v", ErrInvalidProfile, p.ID, p.Timezone, err)
		}
	}
	p.loc = loc

	commands := map[string]bool{}
	for i := range p.Polls {
		if err := p.Polls[i].Validate(); err != nil {
			return fmt.Errorf("user %s: %w", p.ID, err)
		}
		cmd := p.Polls[i].Command
		if commands[cmd] {
			return fmt.Errorf("%w: user %s: duplicate poll command %q", ErrInvalidProfile, p.ID, cmd)
		}
		commands[cmd] = true
	}
	return nil
}

// Location returns the user's timezone (UTC when unset). Valid after
// Validate.
func (p *Profile) Location() *time.Location {
	if p.loc != nil {
		return p.loc
	}
	return time.UTC
}

// Poll returns the definition registered under the given command, or nil.
func (p *Profile) Poll(command string) *poll.Definition {
	for i := range p.Polls {
		if p.Polls[i].Command == command {
			return &p.Polls[i]
		}
	}
	return nil
}

// ValueContext builds the answer-interpretation context for this user.
func (p *Profile) ValueContext(now func() time.Time) poll.Context {
	return poll.Context{Lang: p.Lang, Loc: p.Location(), Now: now}
}

// LoadDir reads every *.json profile in dir, validating each.
func LoadDir(dir string) ([]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}
	var profiles []*Profile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// LoadFile reads and validates a single profile.
func LoadFile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
