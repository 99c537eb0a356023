package httpapi

import (
	"context"
	"net/http"
	"strings"

	"rumord.dev/internal/audit"
	"rumord.dev/internal/obs"
	"rumord.dev/internal/stream"
	"rumord.dev/internal/trust"
)

type submitRumorRequest struct {
	Content    string  `json:"content" validate:"notblank,max=500"`
	Identity   string  `json:"identity" validate:"required,hex64"`
	Confidence float64 `json:"confidenceWeight" validate:"gte=0.1,lte=1"`
}

type voteRequest struct {
	RumorID    string  `json:"rumorId" validate:"required"`
	Identity   string  `json:"identity" validate:"required,hex64"`
	VoteType   string  `json:"voteType" validate:"required,oneof=verify dispute"`
	Confidence float64 `json:"confidenceWeight" validate:"gte=0.1,lte=1"`
}

type deleteRequest struct {
	RumorID  string `json:"rumorId" validate:"required"`
	Identity string `json:"identity" validate:"required,hex64"`
}

type voteResponse struct {
	RumorID      string           `json:"rumor_id"`
	VerifyCount  int              `json:"verify_count"`
	DisputeCount int              `json:"dispute_count"`
	TrustScore   float64          `json:"trust_score"`
	Credibility  float64          `json:"credibility"`
	Consensus    trust.Resolution `json:"consensus"`
}

type credibilityResponse struct {
	Identity      string  `json:"identity"`
	Credibility   float64 `json:"credibility"`
	TotalVotes    int     `json:"total_votes"`
	AlignedVotes  int     `json:"aligned_votes"`
	AlignmentRate float64 `json:"alignment_rate"`
}

func (a *API) handleRumorsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listRumors(w, r)
	case http.MethodPost:
		a.submitRumor(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRumorResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rumor, err := a.svc.Rumor(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rumor)
}

func (a *API) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.castVote(w, r)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.deleteRumor(w, r)
}

func (a *API) listRumors(w http.ResponseWriter, r *http.Request) {
	listing, err := a.svc.ListRumors(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if rep := listing.Sweep; rep.Ran {
		obs.ObserveSweep(rep.Archived, rep.IdentitiesPruned, rep.VotesPruned)
		if rep.Archived+rep.IdentitiesPruned+rep.VotesPruned > 0 {
			a.audit(r.Context(), audit.LifecycleSweep, map[string]any{
				"archived":          rep.Archived,
				"identities_pruned": rep.IdentitiesPruned,
				"votes_pruned":      rep.VotesPruned,
			})
			a.publish(stream.RumorEvent{Kind: stream.KindSwept, Archived: rep.Archived})
		}
	}
	rumors := listing.Rumors
	if rumors == nil {
		rumors = []trust.Rumor{}
	}
	writeJSON(w, http.StatusOK, rumors)
}

func (a *API) submitRumor(w http.ResponseWriter, r *http.Request) {
	var req submitRumorRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	rumor, err := a.svc.SubmitRumor(r.Context(), trust.SubmitRequest{
		Content:    req.Content,
		Identity:   strings.ToLower(req.Identity),
		Confidence: req.Confidence,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	obs.ObserveSubmission()
	a.audit(r.Context(), audit.RumorSubmit, map[string]any{
		"rumor_id":    rumor.ID,
		"submitter":   shortIdentity(rumor.SubmitterHash),
		"trust_score": rumor.TrustScore,
	})
	a.publish(stream.RumorEvent{
		Kind:       stream.KindSubmitted,
		RumorID:    rumor.ID,
		TrustScore: rumor.TrustScore,
		Status:     string(rumor.Status),
	})

	w.Header().Set("Location", "/rumors/"+rumor.ID)
	writeJSON(w, http.StatusCreated, rumor)
}

func (a *API) castVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := a.svc.CastVote(r.Context(), trust.VoteRequest{
		RumorID:    req.RumorID,
		Identity:   strings.ToLower(req.Identity),
		Type:       trust.VoteType(req.VoteType),
		Confidence: req.Confidence,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	obs.ObserveVote(req.VoteType)
	a.audit(r.Context(), audit.VoteCast, map[string]any{
		"rumor_id":    res.RumorID,
		"voter":       shortIdentity(req.Identity),
		"vote_type":   req.VoteType,
		"trust_score": res.TrustScore,
	})
	if res.Resolution.Fired {
		obs.ObserveConsensus(string(res.Resolution.Direction))
		a.audit(r.Context(), audit.ConsensusResolve, map[string]any{
			"rumor_id":  res.RumorID,
			"direction": string(res.Resolution.Direction),
			"evaluated": res.Resolution.Evaluated,
			"aligned":   res.Resolution.Aligned,
		})
	}
	a.publish(stream.RumorEvent{
		Kind:         stream.KindVoted,
		RumorID:      res.RumorID,
		VerifyCount:  res.VerifyCount,
		DisputeCount: res.DisputeCount,
		TrustScore:   res.TrustScore,
	})

	writeJSON(w, http.StatusOK, voteResponse{
		RumorID:      res.RumorID,
		VerifyCount:  res.VerifyCount,
		DisputeCount: res.DisputeCount,
		TrustScore:   res.TrustScore,
		Credibility:  res.Credibility,
		Consensus:    res.Resolution,
	})
}

func (a *API) deleteRumor(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	rumor, err := a.svc.DeleteRumor(r.Context(), req.RumorID, strings.ToLower(req.Identity))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), audit.RumorDelete, map[string]any{
		"rumor_id":  rumor.ID,
		"submitter": shortIdentity(rumor.SubmitterHash),
	})
	a.publish(stream.RumorEvent{
		Kind:         stream.KindDeleted,
		RumorID:      rumor.ID,
		VerifyCount:  rumor.VerifyCount,
		DisputeCount: rumor.DisputeCount,
		TrustScore:   rumor.TrustScore,
		Status:       string(rumor.Status),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"rumor_id": rumor.ID,
		"deleted":  rumor.Deleted,
		"status":   rumor.Status,
	})
}

func (a *API) handleCredibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity := r.PathValue("identity")
	if !validIdentity(identity) {
		writeError(w, r, http.StatusBadRequest, trust.KindValidation, "identity must be a 64-character hex token")
		return
	}

	c, err := a.svc.Credibility(r.Context(), strings.ToLower(identity))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credibilityResponse{
		Identity:      c.Identity,
		Credibility:   c.Score,
		TotalVotes:    c.TotalVotes,
		AlignedVotes:  c.AlignedVotes,
		AlignmentRate: c.AlignmentRate(),
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WarnContext(ctx, "audit log failed", "event", event, "error", err.Error())
	}
}

func (a *API) publish(evt stream.RumorEvent) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}

// shortIdentity keeps log lines correlatable without writing full tokens.
func shortIdentity(identity string) string {
	if len(identity) > 12 {
		return identity[:12]
	}
	return identity
}
