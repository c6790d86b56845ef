package journal

import (
	"context"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the journal is disabled, return a no-op recorder
	if !cfg.Enabled {
		log.Debug().Msg("Control journal disabled, using no-op recorder")
		return Noop(), nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create journal repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Str("session", repo.Session()).
		Msg("Control journal initialized")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// Noop returns a Recorder that drops every event.
func Noop() Recorder {
	return &noopRecorder{}
}

func (s *service) Record(ctx context.Context, event *Event) error {
	errFactory := errors.New()

	if event == nil || event.Kind == "" {
		return errFactory.New(ErrInvalidEvent)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(event); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopRecorder) Record(_ context.Context, _ *Event) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}
