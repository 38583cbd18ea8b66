package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"nexus-agent/internal/domain"
)

// Seed is the directory fixture loaded into a local SQLite store.
type Seed struct {
	Administrators []domain.Administrator `json:"administrators"`
	WidgetAccounts []domain.WidgetAccount `json:"widget_accounts"`
	Agents         []seedAgent            `json:"agents"`
	PhoneNumbers   []seedPhone            `json:"phone_numbers"`
}

type seedAgent struct {
	ID               string   `json:"id"`
	OwnerID          string   `json:"owner_id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	Activated        bool     `json:"activated"`
	KnowledgeBaseIDs []string `json:"kb_ids"`
	ForwardingNumber string   `json:"forwarding_number"`
}

type seedPhone struct {
	Phone   string `json:"phone"`
	OwnerID string `json:"owner_id"`
	AgentID string `json:"agent_id"`
}

// LoadSeedFile reads a Seed from a JSON file.
func LoadSeedFile(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

// Apply upserts every seeded row. It is safe to apply the same seed twice.
func (s *SQLiteStore) Apply(ctx context.Context, seed Seed) error {
	for _, adm := range seed.Administrators {
		if err := s.PutAdministrator(ctx, adm); err != nil {
			return err
		}
	}
	for _, acct := range seed.WidgetAccounts {
		if err := s.PutWidgetAccount(ctx, acct); err != nil {
			return err
		}
	}
	for _, a := range seed.Agents {
		agentType, err := domain.ParseAgentType(a.Type)
		if err != nil {
			return fmt.Errorf("seed agent %q: %w", a.ID, err)
		}
		if err := s.PutAgent(ctx, domain.Agent{
			ID:        a.ID,
			OwnerID:   a.OwnerID,
			Name:      a.Name,
			Type:      agentType,
			Activated: a.Activated,
		}); err != nil {
			return err
		}
		for _, kb := range a.KnowledgeBaseIDs {
			if err := s.PutKnowledgeLink(ctx, domain.KnowledgeLink{AgentID: a.ID, KnowledgeBaseID: kb}); err != nil {
				return err
			}
		}
		if a.ForwardingNumber != "" {
			if err := s.PutForwardingNumber(ctx, a.ID, a.ForwardingNumber); err != nil {
				return err
			}
		}
	}
	for _, p := range seed.PhoneNumbers {
		if err := s.PutPhoneNumber(ctx, domain.PhoneNumber{Phone: p.Phone, OwnerID: p.OwnerID}); err != nil {
			return err
		}
		if p.AgentID != "" {
			if err := s.PutPhoneLink(ctx, domain.PhoneLink{Phone: p.Phone, AgentID: p.AgentID}); err != nil {
				return err
			}
		}
	}
	return nil
}
