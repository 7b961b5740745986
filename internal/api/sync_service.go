package api

import (
	"context"

	deltasync "github.com/matheus3301/chatsync/internal/sync"
)

func roundResponse(r *deltasync.Round) *SyncRoundResponse {
	return &SyncRoundResponse{Pages: r.Pages, Deltas: r.Deltas, Applied: r.Applied, Watermark: r.Watermark}
}

func (s *Service) syncNow(ctx context.Context) (*SyncRoundResponse, error) {
	round, err := s.repo.Loop().RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	return roundResponse(round), nil
}

func (s *Service) resync(ctx context.Context) (*SyncRoundResponse, error) {
	s.logger.Info("resync from scratch requested")
	round, err := s.repo.Loop().ResyncFromScratch(ctx)
	if err != nil {
		return nil, err
	}
	return roundResponse(round), nil
}

func (s *Service) syncStatus(_ context.Context) (*SyncStatusResponse, error) {
	loop := s.repo.Loop()
	st, err := loop.Status()
	if err != nil {
		return nil, err
	}
	return &SyncStatusResponse{
		Watermark:    st.Watermark,
		HasWatermark: st.HasWatermark,
		Updating:     loop.Updating(),
		LastRoundAt:  st.LastRoundAt,
		LastDeltas:   st.LastDeltas,
		LastError:    st.LastError,
		LastErrorAt:  st.LastErrorAt,
	}, nil
}
