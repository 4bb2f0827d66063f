// Package cardsync keeps the authorized card table in step with a CSV
// roster published at a URL or kept in a local file.
package cardsync

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/database"
)

const (
	// DefaultSyncInterval is how often the roster is re-read
	DefaultSyncInterval = time.Hour

	// RequestTimeout for HTTP requests
	RequestTimeout = 30 * time.Second

	// MaxRetries for failed downloads
	MaxRetries = 3

	// RetryDelay between retry attempts
	RetryDelay = 5 * time.Second
)

// CardStore is the part of the card repository the syncer writes to
type CardStore interface {
	UpsertBatch(cards []database.Card) (int, error)
}

// Config holds configuration for the syncer
type Config struct {
	Source       string        // http(s) URL or file path
	SyncInterval time.Duration // default: 1 hour
	HTTPTimeout  time.Duration // default: 30 seconds
	RetryDelay   time.Duration // default: 5 seconds
}

// Syncer imports the card roster
type Syncer struct {
	store      CardStore
	source     string
	interval   time.Duration
	retryDelay time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewSyncer creates a roster syncer
func NewSyncer(store CardStore, config Config, logger zerolog.Logger) *Syncer {
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = RequestTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = RetryDelay
	}

	return &Syncer{
		store:      store,
		source:     config.Source,
		interval:   config.SyncInterval,
		retryDelay: config.RetryDelay,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		logger: logger.With().Str("component", "cardsync").Logger(),
	}
}

// Start syncs once and then on every tick until ctx is done
func (s *Syncer) Start(ctx context.Context) {
	s.logger.Info().Str("source", s.source).Dur("interval", s.interval).Msg("card roster sync starting")

	if _, err := s.SyncNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial card sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("card roster sync stopping")
			return

		case <-ticker.C:
			if _, err := s.SyncNow(ctx); err != nil {
				s.logger.Error().Err(err).Msg("card sync failed")
			}
		}
	}
}

// SyncNow reads the roster and upserts every valid card. It returns the
// number of cards stored.
func (s *Syncer) SyncNow(ctx context.Context) (int, error) {
	startTime := time.Now()

	var roster io.ReadCloser
	var err error

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		roster, err = s.open(ctx)
		if err == nil {
			break
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Int("max", MaxRetries).Msg("roster fetch failed")

		if attempt < MaxRetries {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}

	if err != nil {
		return 0, fmt.Errorf("failed to fetch roster after %d attempts: %w", MaxRetries, err)
	}
	defer roster.Close()

	cards, err := s.parseCSV(roster)
	if err != nil {
		return 0, fmt.Errorf("failed to parse roster: %w", err)
	}

	if len(cards) == 0 {
		return 0, fmt.Errorf("no valid cards found in roster")
	}

	n, err := s.store.UpsertBatch(cards)
	if err != nil {
		return 0, fmt.Errorf("failed to import cards: %w", err)
	}

	s.logger.Info().Int("cards", n).Dur("took", time.Since(startTime)).Msg("card roster synced")
	return n, nil
}

func (s *Syncer) open(ctx context.Context) (io.ReadCloser, error) {
	if strings.HasPrefix(s.source, "http://") || strings.HasPrefix(s.source, "https://") {
		return s.download(ctx)
	}
	return os.Open(s.source)
}

func (s *Syncer) download(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "smartlock/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return resp.Body, nil
}

// parseCSV reads UID,LABEL rows. A first row whose UID column is not hex
// is taken as a header.
func (s *Syncer) parseCSV(reader io.Reader) ([]database.Card, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.Comment = '#'

	var cards []database.Card
	lineNumber := 0
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV at line %d: %w", lineNumber, err)
		}
		lineNumber++

		card := database.Card{UID: strings.ReplaceAll(record[0], ":", "")}
		if len(record) > 1 {
			card.Label = record[1]
		}
		card.SanitizeFields()
		if !card.IsValid() {
			if lineNumber > 1 {
				s.logger.Debug().Int("line", lineNumber).Str("uid", card.UID).Msg("skipping invalid roster row")
			}
			continue
		}
		cards = append(cards, card)
	}

	return cards, nil
}
