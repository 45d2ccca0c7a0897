package repo

import (
	"context"

	"github.com/openmates/orchestrator-core/internal/skills"
)

// WriteEmbed implements skills.RecordStore: skills persist embeds they
// produce through this, keyed by the auxiliary artifact's own embed_id
// rather than the task_id, so later lookups (e.g. a creator-share claim
// trigger) can address one embed directly.
func (r *Repo) WriteEmbed(ctx context.Context, taskID string, embed skills.Embed) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO embeds (embed_id, task_id, kind, uri)
VALUES ($1, $2, $3, $4)
ON CONFLICT (embed_id) DO UPDATE SET kind = EXCLUDED.kind, uri = EXCLUDED.uri`,
		embed.EmbedID, taskID, embed.Kind, embed.URI)
	return err
}
