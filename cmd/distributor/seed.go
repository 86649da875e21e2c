package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"leadmarket/pkg/redis"
	"leadmarket/services/eligibility"
	"leadmarket/services/ledger"
	"leadmarket/services/marketplace"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a demo niche with tiers, funded providers and one approved lead",
	RunE:  runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	var (
		market *marketplace.Service
		led    *ledger.Service
	)
	opts := append(infra(),
		redis.Module,
		eligibility.Module,
		marketplace.Module,
		ledger.Module,
		fx.Populate(&market, &led),
	)
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(ctx) }()

	return seed(ctx, market, led)
}

func seed(ctx context.Context, market *marketplace.Service, led *ledger.Service) error {
	niche := &marketplace.Niche{Name: "Home Solar", IsActive: true}
	if err := market.CreateNiche(ctx, niche); err != nil {
		return fmt.Errorf("niche: %w", err)
	}

	tiers := []*marketplace.CompetitionTier{
		{NicheID: niche.ID, Name: "Exclusive", OrderPosition: 1, PricePerLead: 7500, MaxRecipients: 1, IsActive: true},
		{NicheID: niche.ID, Name: "Shared", OrderPosition: 2, PricePerLead: 2500, MaxRecipients: 3, IsActive: true},
	}
	for _, t := range tiers {
		if err := market.CreateTier(ctx, t); err != nil {
			return fmt.Errorf("tier %s: %w", t.Name, err)
		}
	}

	providers := []struct {
		name    string
		deposit int64
		tier    *marketplace.CompetitionTier
		rules   string
	}{
		{"Sunrise Installers", 50000, tiers[0], `[{"field_key":"state","operator":"in","value":["CA","NV"]}]`},
		{"Bright Roofs", 20000, tiers[1], `[{"field_key":"monthly_bill","operator":"gte","value":150}]`},
		{"Panel Pros", 10000, tiers[1], ``},
	}
	for _, p := range providers {
		prov := &marketplace.Provider{Name: p.name, LowBalanceThreshold: 10000}
		if err := market.CreateProvider(ctx, prov); err != nil {
			return fmt.Errorf("provider %s: %w", p.name, err)
		}
		if _, err := led.Credit(ctx, ledger.CreditParams{
			ProviderID:  prov.ID,
			Amount:      p.deposit,
			Type:        ledger.EntryDeposit,
			ReferenceID: "seed:" + prov.ID,
			Description: "seed deposit",
		}); err != nil {
			return fmt.Errorf("deposit %s: %w", p.name, err)
		}
		sub := &marketplace.Subscription{ProviderID: prov.ID, TierID: p.tier.ID, IsActive: true, FilterRules: datatypes.JSON(p.rules)}
		if err := market.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("subscription %s: %w", p.name, err)
		}
	}

	lead := &marketplace.Lead{
		NicheID:  niche.ID,
		FormData: datatypes.JSON(`{"state":"CA","monthly_bill":210,"roof_type":"tile"}`),
		Status:   marketplace.LeadStatusApproved,
	}
	if err := market.CreateLead(ctx, lead); err != nil {
		return fmt.Errorf("lead: %w", err)
	}

	zap.L().Info("seed completed", zap.String("niche_id", niche.ID), zap.String("lead_id", lead.ID))
	return nil
}
