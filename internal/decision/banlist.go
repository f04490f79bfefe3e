package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const banCachePrefix = "ban:"

// Notes written on alerts raised by the ban list.
const (
	bannedIPNote   = "Blocage automatique : IP présente dans la liste noire."
	bannedUserNote = "Blocage automatique : utilisateur présent dans la liste noire."
)

// HashEntity returns the ban-list key for a raw value. IP addresses are
// canonicalized first so "::ffff:10.0.0.1" and "10.0.0.1" collide.
func HashEntity(entityType domain.BanEntityType, raw string) string {
	v := strings.TrimSpace(raw)
	if entityType == domain.BanIP {
		if addr, err := netip.ParseAddr(v); err == nil {
			v = addr.Unmap().String()
		}
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// Ban adds an entity to the ban list. Only its hash is stored.
func (s *Service) Ban(ctx context.Context, entityType domain.BanEntityType, raw, reason string) (*domain.BanEntry, error) {
	var fields []domain.FieldError
	if !entityType.Valid() {
		fields = append(fields, domain.FieldError{Field: "entity_type", Message: fmt.Sprintf("unknown entity type %q", entityType)})
	}
	if strings.TrimSpace(raw) == "" {
		fields = append(fields, domain.FieldError{Field: "value", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	entry := &domain.BanEntry{
		EntityHash: HashEntity(entityType, raw),
		EntityType: entityType,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	if err := s.repo.SaveBanEntry(ctx, entry); err != nil {
		return nil, domain.Unavailable("save ban entry", err)
	}
	s.cacheBan(ctx, entry.EntityHash)

	slog.Info("entity banned",
		"entity_type", entityType,
		"entity_hash", entry.EntityHash,
	)
	return entry, nil
}

// checkBans returns the ban reason for tx, or "" when neither its IP nor its user is banned.
func (s *Service) checkBans(ctx context.Context, tx *domain.Transaction) (string, error) {
	candidates := []struct {
		kind   domain.BanEntityType
		value  string
		reason string
	}{
		{domain.BanIP, tx.IPAddress, domain.ReasonBannedIP},
		{domain.BanUser, tx.ExternalUserID, domain.ReasonBannedUser},
	}

	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		banned, err := s.isBanned(ctx, HashEntity(c.kind, c.value))
		if err != nil {
			return "", err
		}
		if banned {
			metrics.BanListHitsTotal.WithLabelValues(string(c.kind)).Inc()
			return c.reason, nil
		}
	}
	return "", nil
}

// isBanned consults the cache for positive hits only. Bans are never lifted,
// so a cached hit stays true, while a miss must reach the repository to see
// bans added through another node.
func (s *Service) isBanned(ctx context.Context, hash string) (bool, error) {
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, banCachePrefix+hash); err == nil && len(v) == 1 && v[0] == '1' {
			return true, nil
		}
	}

	banned, err := s.repo.IsBanned(ctx, hash)
	if err != nil {
		return false, domain.Unavailable("ban list lookup", err)
	}
	if banned {
		s.cacheBan(ctx, hash)
	}
	return banned, nil
}

func (s *Service) cacheBan(ctx context.Context, hash string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, banCachePrefix+hash, []byte{'1'}, s.banTTL); err != nil {
		slog.Debug("ban cache write failed", "error", err)
	}
}

func banNote(reason string) string {
	if reason == domain.ReasonBannedUser {
		return bannedUserNote
	}
	return bannedIPNote
}
