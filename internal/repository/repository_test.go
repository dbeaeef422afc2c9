// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewRunRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewRunRepository(pool, logger, 16)
	if repo == nil {
		t.Fatal("expected run repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
	if repo.backlogLimit != 16 {
		t.Fatalf("expected backlog limit 16 got %d", repo.backlogLimit)
	}
}

func TestNewRunRepositoryDefaults(t *testing.T) {
	var pool *pgxpool.Pool

	repo := NewRunRepository(pool, nil, 0)
	if repo.logger == nil {
		t.Fatal("expected nil logger to be replaced with a default")
	}
	if repo.backlogLimit != 16 {
		t.Fatalf("expected default backlog limit 16 got %d", repo.backlogLimit)
	}
}

func TestNewArtifactRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewArtifactRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected artifact repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}

func TestNewEventRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewEventRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected event repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}
