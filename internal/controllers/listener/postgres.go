package listener

import (
	"context"
	"fmt"

	"eventcore/pkg/db"

	"github.com/jackc/pgx/v5"
)

// PostgresSubscriber держит отдельное соединение (не из пула) под LISTEN.
type PostgresSubscriber struct {
	db db.DB
}

func NewPostgresSubscriber(db db.DB) *PostgresSubscriber {
	return &PostgresSubscriber{db: db}
}

func (p *PostgresSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	conn, err := p.db.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &pgSubscription{conn: conn}, nil
}

type pgSubscription struct {
	conn *pgx.Conn
}

func (s *pgSubscription) Wait(ctx context.Context) error {
	_, err := s.conn.WaitForNotification(ctx)
	return err
}

func (s *pgSubscription) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
