package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/orchestrator"
	"github.com/chimera-agents/chimera/pkg/skill"
)

// Register adds all six pipeline skills to the registry. The handlers are
// deterministic local stand-ins for the platform integrations; their
// contracts, stage wiring, and governance behavior carry the real
// semantics.
func Register(registry *skill.Registry, gov config.GovernanceConfig) error {
	regs := []skill.Registration{
		{Contract: trendFetchContract(), Handler: fetchTrend, Concurrency: 4},
		{Contract: contentGenerateContract(), Handler: generateContent},
		{Contract: contentReviewContract(), Handler: reviewContent},
		{Contract: governanceApproveContract(), Handler: approveHandler(gov)},
		{Contract: contentPublishContract(), Handler: publishContent, Concurrency: 2},
		{Contract: engagementTrackContract(), Handler: trackEngagement},
	}
	for _, reg := range regs {
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

// Plan returns the ordered stage sequence every run walks.
func Plan() orchestrator.Plan {
	return orchestrator.Plan{
		{
			Name: "trend", Skill: "trend.fetch", Version: "1.0.0",
			ContextKey: func(_ string, output map[string]any) string {
				return fmt.Sprintf("trends/%s/%s/%s",
					output["platform"], output["time_window"], output["trend_id"])
			},
		},
		{
			Name: "generate", Skill: "content.generate", Version: "1.0.0",
			ContextKey: func(_ string, output map[string]any) string {
				return fmt.Sprintf("content/draft/%s", output["brief_id"])
			},
		},
		{Name: "review", Skill: "content.review", Version: "1.0.0"},
		{Name: "approve", Skill: "governance.approve", Version: "1.0.0", Blockable: true},
		{
			Name: "publish", Skill: "content.publish", Version: "1.0.0",
			ContextKey: func(_ string, output map[string]any) string {
				return fmt.Sprintf("content/published/%s", output["brief_id"])
			},
		},
		{
			Name: "engage", Skill: "engagement.track", Version: "1.0.0",
			ContextKey: func(runID string, _ map[string]any) string {
				return fmt.Sprintf("engagement/%s/metrics", runID)
			},
		},
	}
}

// score derives a stable value in [0, 1) from its inputs so the stand-in
// handlers behave reproducibly across runs of the same work order.
func score(parts ...string) float64 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return float64(h.Sum32()%1000) / 1000.0
}

func fetchTrend(_ context.Context, input map[string]any) (map[string]any, error) {
	platform, _ := input["platform"].(string)
	window, _ := input["time_window"].(string)
	topic, _ := input["topic"].(string)
	if topic == "" {
		topic = "trending-" + platform
	}
	return map[string]any{
		"platform":       platform,
		"time_window":    window,
		"trend_id":       uuid.NewString(),
		"topic":          topic,
		"virality_score": 50 + score(platform, window, topic)*50,
		"discovered_at":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func generateContent(_ context.Context, input map[string]any) (map[string]any, error) {
	platform, _ := input["platform"].(string)
	topic, _ := input["topic"].(string)
	return map[string]any{
		"brief_id":       uuid.NewString(),
		"platform":       platform,
		"title":          fmt.Sprintf("Riding the %s wave", topic),
		"body":           fmt.Sprintf("A %s piece built around %q.", platform, topic),
		"status":         "draft",
		"trend_id":       input["trend_id"],
		"virality_score": input["virality_score"],
	}, nil
}

func reviewContent(_ context.Context, input map[string]any) (map[string]any, error) {
	title, _ := input["title"].(string)
	body, _ := input["body"].(string)
	return map[string]any{
		"brief_id": input["brief_id"],
		"platform": input["platform"],
		"title":    title,
		"body":     body,
		"status":   input["status"],
		"score":    score(title, body),
	}, nil
}

// approveHandler vetoes briefs whose review score falls below the
// auto-approval threshold. A vetoed brief suspends its run for an
// operator decision; it is not a failure.
func approveHandler(gov config.GovernanceConfig) skill.Handler {
	return func(_ context.Context, input map[string]any) (map[string]any, error) {
		reviewScore, _ := input["score"].(float64)
		out := map[string]any{
			"brief_id": input["brief_id"],
			"platform": input["platform"],
			"title":    input["title"],
			"body":     input["body"],
			"status":   input["status"],
			"score":    reviewScore,
			"approved": reviewScore >= gov.AutoApproveAbove,
		}
		return out, nil
	}
}

func publishContent(_ context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{
		"brief_id":     input["brief_id"],
		"platform":     input["platform"],
		"post_id":      uuid.NewString(),
		"status":       "published",
		"published_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func trackEngagement(_ context.Context, input map[string]any) (map[string]any, error) {
	postID, _ := input["post_id"].(string)
	platform, _ := input["platform"].(string)
	base := int(score(postID, platform) * 10000)
	return map[string]any{
		"post_id":    postID,
		"platform":   platform,
		"views":      base * 10,
		"likes":      base,
		"comments":   base / 10,
		"shares":     base / 20,
		"tracked_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
