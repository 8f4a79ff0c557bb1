// Package pipeline wires the content pipeline's six skills: trend
// discovery, generation, review, governance approval, publication, and
// engagement tracking. Each stage's output shape is the next stage's
// input shape, so a run's payload flows through the plan unchanged in
// structure even when a stage is delegated to a peer.
package pipeline

import "github.com/chimera-agents/chimera/pkg/skill"

const (
	timeWindowPattern = `^\d+[hd]$`
	geoTargetPattern  = `^[A-Z]{2}$`
)

var platforms = []string{"youtube", "tiktok", "twitter"}

func trendFetchContract() *skill.Contract {
	return &skill.Contract{
		Name:        "trend.fetch",
		Version:     "1.0.0",
		Description: "Discover trending topics for a platform within a time window.",
		Input: skill.Schema{
			"platform":    {Type: skill.TypeString, Required: true, Enum: platforms},
			"time_window": {Type: skill.TypeString, Required: true, Pattern: timeWindowPattern},
			"geo_target":  {Type: skill.TypeString, Pattern: geoTargetPattern},
			"topic":       {Type: skill.TypeString},
		},
		Output: skill.Schema{
			"platform":       {Type: skill.TypeString, Required: true, Enum: platforms},
			"time_window":    {Type: skill.TypeString, Required: true, Pattern: timeWindowPattern},
			"trend_id":       {Type: skill.TypeString, Required: true},
			"topic":          {Type: skill.TypeString, Required: true},
			"virality_score": {Type: skill.TypeNumber, Required: true},
			"discovered_at":  {Type: skill.TypeString, Required: true},
		},
	}
}

func contentGenerateContract() *skill.Contract {
	return &skill.Contract{
		Name:        "content.generate",
		Version:     "1.0.0",
		Description: "Produce a content brief from a discovered trend.",
		Input: skill.Schema{
			"platform":       {Type: skill.TypeString, Required: true, Enum: platforms},
			"time_window":    {Type: skill.TypeString, Required: true},
			"trend_id":       {Type: skill.TypeString, Required: true},
			"topic":          {Type: skill.TypeString, Required: true},
			"virality_score": {Type: skill.TypeNumber, Required: true},
			"discovered_at":  {Type: skill.TypeString, Required: true},
		},
		Output: skill.Schema{
			"brief_id":       {Type: skill.TypeString, Required: true},
			"platform":       {Type: skill.TypeString, Required: true, Enum: platforms},
			"title":          {Type: skill.TypeString, Required: true},
			"body":           {Type: skill.TypeString, Required: true},
			"status":         {Type: skill.TypeString, Required: true, Enum: []string{"draft"}},
			"trend_id":       {Type: skill.TypeString, Required: true},
			"virality_score": {Type: skill.TypeNumber, Required: true},
		},
	}
}

func contentReviewContract() *skill.Contract {
	return &skill.Contract{
		Name:        "content.review",
		Version:     "1.0.0",
		Description: "Score a content brief for quality and policy fit.",
		Input: skill.Schema{
			"brief_id":       {Type: skill.TypeString, Required: true},
			"platform":       {Type: skill.TypeString, Required: true, Enum: platforms},
			"title":          {Type: skill.TypeString, Required: true},
			"body":           {Type: skill.TypeString, Required: true},
			"status":         {Type: skill.TypeString, Required: true},
			"trend_id":       {Type: skill.TypeString, Required: true},
			"virality_score": {Type: skill.TypeNumber, Required: true},
		},
		Output: skill.Schema{
			"brief_id": {Type: skill.TypeString, Required: true},
			"platform": {Type: skill.TypeString, Required: true, Enum: platforms},
			"title":    {Type: skill.TypeString, Required: true},
			"body":     {Type: skill.TypeString, Required: true},
			"status":   {Type: skill.TypeString, Required: true},
			"score":    {Type: skill.TypeNumber, Required: true},
		},
	}
}

func governanceApproveContract() *skill.Contract {
	return &skill.Contract{
		Name:        "governance.approve",
		Version:     "1.0.0",
		Description: "Apply publication policy to a reviewed brief; may veto.",
		Input: skill.Schema{
			"brief_id": {Type: skill.TypeString, Required: true},
			"platform": {Type: skill.TypeString, Required: true, Enum: platforms},
			"title":    {Type: skill.TypeString, Required: true},
			"body":     {Type: skill.TypeString, Required: true},
			"status":   {Type: skill.TypeString, Required: true},
			"score":    {Type: skill.TypeNumber, Required: true},
		},
		Output: skill.Schema{
			"brief_id": {Type: skill.TypeString, Required: true},
			"platform": {Type: skill.TypeString, Required: true, Enum: platforms},
			"title":    {Type: skill.TypeString, Required: true},
			"body":     {Type: skill.TypeString, Required: true},
			"status":   {Type: skill.TypeString, Required: true},
			"score":    {Type: skill.TypeNumber, Required: true},
			"approved": {Type: skill.TypeBoolean, Required: true},
		},
	}
}

func contentPublishContract() *skill.Contract {
	return &skill.Contract{
		Name:        "content.publish",
		Version:     "1.0.0",
		Description: "Publish an approved brief to its platform.",
		Input: skill.Schema{
			"brief_id": {Type: skill.TypeString, Required: true},
			"platform": {Type: skill.TypeString, Required: true, Enum: platforms},
			"title":    {Type: skill.TypeString, Required: true},
			"body":     {Type: skill.TypeString, Required: true},
			"status":   {Type: skill.TypeString, Required: true},
			"score":    {Type: skill.TypeNumber, Required: true},
			"approved": {Type: skill.TypeBoolean, Required: true},
		},
		Output: skill.Schema{
			"brief_id":     {Type: skill.TypeString, Required: true},
			"platform":     {Type: skill.TypeString, Required: true, Enum: platforms},
			"post_id":      {Type: skill.TypeString, Required: true},
			"status":       {Type: skill.TypeString, Required: true, Enum: []string{"published"}},
			"published_at": {Type: skill.TypeString, Required: true},
		},
	}
}

func engagementTrackContract() *skill.Contract {
	return &skill.Contract{
		Name:        "engagement.track",
		Version:     "1.0.0",
		Description: "Snapshot audience engagement for a published post.",
		Input: skill.Schema{
			"brief_id":     {Type: skill.TypeString, Required: true},
			"platform":     {Type: skill.TypeString, Required: true, Enum: platforms},
			"post_id":      {Type: skill.TypeString, Required: true},
			"status":       {Type: skill.TypeString, Required: true},
			"published_at": {Type: skill.TypeString, Required: true},
		},
		Output: skill.Schema{
			"post_id":    {Type: skill.TypeString, Required: true},
			"platform":   {Type: skill.TypeString, Required: true, Enum: platforms},
			"views":      {Type: skill.TypeInteger, Required: true},
			"likes":      {Type: skill.TypeInteger, Required: true},
			"comments":   {Type: skill.TypeInteger, Required: true},
			"shares":     {Type: skill.TypeInteger, Required: true},
			"tracked_at": {Type: skill.TypeString, Required: true},
		},
	}
}
