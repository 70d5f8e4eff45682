package pipeline

import (
	"context"
	"errors"

	"battlelog/internal/config"
	"battlelog/internal/db"
)

// OpenPublishers connects to every mirror configured in cfg.Publish. The
// DuckDB mirror loads canonicalPath. On error the already opened mirrors
// are closed.
func OpenPublishers(ctx context.Context, cfg config.PublishConfig, canonicalPath string) ([]db.Publisher, error) {
	var pubs []db.Publisher
	fail := func(err error) ([]db.Publisher, error) {
		for _, p := range pubs {
			err = errors.Join(err, p.Close())
		}
		return nil, err
	}

	if cfg.SQLitePath != "" {
		p, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if cfg.TursoURL != "" {
		p, err := db.OpenTurso(cfg.TursoURL, cfg.TursoToken)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if cfg.PostgresURL != "" {
		p, err := db.NewPostgresPublisher(ctx, cfg.PostgresURL)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if cfg.DuckDBPath != "" {
		p, err := db.OpenDuckDB(cfg.DuckDBPath, canonicalPath)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}
