package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Permissions records which users may access which documents. A grant is an
// ALLOWED edge from a user record to a document record.
type Permissions struct {
	graph  GraphBackend
	logger *slog.Logger
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("%w: empty username", ErrInvalidName)
	}
	return username, nil
}

// Grant adds an ALLOWED edge from username to the document, creating the user
// on first use. Repeated grants add repeated edges.
func (p *Permissions) Grant(ctx context.Context, documentID, username string) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	user, _, err := p.graph.GetOrCreateByUniqueKey(ctx, CollectionUsers, fieldUsername, username,
		map[string]any{fieldUsername: username})
	if err != nil {
		return fmt.Errorf("get or create user %q: %w", username, err)
	}
	if _, err := p.graph.CreateRelationship(ctx, user.ID, documentID, LabelAllowed, nil); err != nil {
		return fmt.Errorf("grant %q: %w", username, err)
	}
	p.logger.Debug("permission granted", "document_id", documentID, "username", username)
	return nil
}

// Revoke removes every ALLOWED edge between username and the document.
// Revoking a grant that does not exist is a no-op.
func (p *Permissions) Revoke(ctx context.Context, documentID, username string) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	n, err := p.graph.DeleteRelationships(ctx, p.match(documentID, username))
	if err != nil {
		return fmt.Errorf("revoke %q: %w", username, err)
	}
	p.logger.Debug("permission revoked", "document_id", documentID, "username", username, "edges", n)
	return nil
}

// Check reports whether username holds at least one grant on the document.
func (p *Permissions) Check(ctx context.Context, documentID, username string) (bool, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return false, err
	}
	rels, err := p.graph.Related(ctx, p.match(documentID, username))
	if err != nil {
		return false, fmt.Errorf("check %q: %w", username, err)
	}
	return len(rels) > 0, nil
}

func (p *Permissions) match(documentID, username string) EdgeMatch {
	return EdgeMatch{
		Node:            documentID,
		Direction:       Incoming,
		Label:           LabelAllowed,
		OtherCollection: CollectionUsers,
		Where:           map[string]any{fieldUsername: username},
	}
}
