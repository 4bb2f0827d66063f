// Package nfc checks presented card UIDs against the authorized cards.
package nfc

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	Source = "card"

	// A card held on the antenna is reported on every poll.
	DEFAULT_REPEAT_WINDOW = 2 * time.Second
)

// Cards looks up authorized card UIDs.
type Cards interface {
	CardAuthorized(uid string) (bool, error)
}

// Door is the part of the lock the reader needs.
type Door interface {
	Unlock(source, credential string) error
	Deny(source, credential string)
}

// NormalizeUID turns "04:a1:b2:c3", "04 A1 B2 C3" or "04a1b2c3" into
// "04A1B2C3".
func NormalizeUID(s string) (string, error) {
	clean := strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("invalid card uid %q: %w", s, err)
	}
	if len(raw) < 4 || len(raw) > 10 {
		return "", fmt.Errorf("invalid card uid %q: %d bytes", s, len(raw))
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// Reader handles card-detected events.
type Reader struct {
	cards  Cards
	door   Door
	repeat time.Duration
	events chan string
	now    func() time.Time
	logger zerolog.Logger

	lastUID  string
	lastSeen time.Time
}

// NewReader creates a reader. A zero repeat uses DEFAULT_REPEAT_WINDOW.
func NewReader(cards Cards, door Door, repeat time.Duration, logger zerolog.Logger) *Reader {
	if repeat <= 0 {
		repeat = DEFAULT_REPEAT_WINDOW
	}
	return &Reader{
		cards:  cards,
		door:   door,
		repeat: repeat,
		events: make(chan string, 4),
		now:    time.Now,
		logger: logger.With().Str("component", "nfc").Logger(),
	}
}

// OnCard reports a detected card. It never blocks.
func (r *Reader) OnCard(uid []byte) bool {
	select {
	case r.events <- strings.ToUpper(hex.EncodeToString(uid)):
		return true
	default:
		return false
	}
}

// Run checks cards until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case uid := <-r.events:
			r.check(uid)
		}
	}
}

func (r *Reader) check(uid string) {
	now := r.now()
	if uid == r.lastUID && now.Sub(r.lastSeen) < r.repeat {
		r.lastSeen = now
		return
	}
	r.lastUID, r.lastSeen = uid, now

	ok, err := r.cards.CardAuthorized(uid)
	if err != nil {
		r.logger.Error().Err(err).Str("uid", uid).Msg("card lookup failed")
		return
	}
	if !ok {
		r.logger.Warn().Str("uid", uid).Msg("unknown card")
		r.door.Deny(Source, uid)
		return
	}
	r.logger.Info().Str("uid", uid).Msg("card accepted")
	if err := r.door.Unlock(Source, uid); err != nil {
		r.logger.Error().Err(err).Msg("unlock failed")
	}
}
