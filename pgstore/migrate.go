package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema mirrors the hosted backend's tables. The trigger publishes every row
// change on NotifyChannel in the same shape as a database webhook body.
const schema = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS profiles (
	id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	name       text NOT NULL DEFAULT '',
	avatar_url text,
	online     boolean NOT NULL DEFAULT false,
	last_seen  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	name       text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id uuid NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         uuid NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	joined_at       timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	conversation_id uuid NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       uuid NOT NULL REFERENCES profiles(id),
	content         text NOT NULL,
	created_at      timestamptz NOT NULL DEFAULT now(),
	read            boolean NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS participants_user_idx ON conversation_participants (user_id);

CREATE OR REPLACE FUNCTION chatsync_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%s', json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'schema', TG_TABLE_SCHEMA,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DO $$
DECLARE t text;
BEGIN
	FOREACH t IN ARRAY ARRAY['profiles', 'conversations', 'conversation_participants', 'messages'] LOOP
		EXECUTE format('DROP TRIGGER IF EXISTS chatsync_notify ON %%I', t);
		EXECUTE format('CREATE TRIGGER chatsync_notify AFTER INSERT OR UPDATE OR DELETE ON %%I FOR EACH ROW EXECUTE FUNCTION chatsync_notify()', t);
	END LOOP;
END $$;
`

// Migrate creates the tables and the change trigger. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, NotifyChannel)); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}
