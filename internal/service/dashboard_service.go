package service

import (
	"context"
	"sync"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// DashboardData consolidates all metrics for the admin dashboard.
type DashboardData struct {
	repository.SummaryCounts
	TestStatusCounts  map[model.TestStatus]int               `json:"test_status_counts"`
	RecentSubmissions []repository.DashboardRecentSubmission `json:"recent_submissions"`
	TestResults       []repository.DashboardTestResult       `json:"test_results"`
}

// DashboardStore is the dashboard data access.
type DashboardStore interface {
	GetSummaryCounts(ctx context.Context) (repository.SummaryCounts, error)
	GetTestStatusCounts(ctx context.Context) (map[model.TestStatus]int, error)
	GetRecentSubmissions(ctx context.Context, limit int) ([]repository.DashboardRecentSubmission, error)
	GetTestResults(ctx context.Context, limit int) ([]repository.DashboardTestResult, error)
}

// DashboardService handles admin dashboard business logic.
type DashboardService struct {
	repo DashboardStore
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(repo DashboardStore) *DashboardService {
	return &DashboardService{repo: repo}
}

// GetDashboardData fetches all dashboard metrics concurrently. The first
// failure is returned.
func (s *DashboardService) GetDashboardData(ctx context.Context) (*DashboardData, error) {
	var (
		data DashboardData
		wg   sync.WaitGroup
		mu   sync.Mutex
		err  error
	)
	fail := func(e error) {
		mu.Lock()
		if err == nil {
			err = e
		}
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		counts, e := s.repo.GetSummaryCounts(ctx)
		if e != nil {
			fail(e)
			return
		}
		data.SummaryCounts = counts
	}()
	go func() {
		defer wg.Done()
		statuses, e := s.repo.GetTestStatusCounts(ctx)
		if e != nil {
			fail(e)
			return
		}
		data.TestStatusCounts = statuses
	}()
	go func() {
		defer wg.Done()
		recent, e := s.repo.GetRecentSubmissions(ctx, 10)
		if e != nil {
			fail(e)
			return
		}
		data.RecentSubmissions = recent
	}()
	go func() {
		defer wg.Done()
		results, e := s.repo.GetTestResults(ctx, 5)
		if e != nil {
			fail(e)
			return
		}
		data.TestResults = results
	}()
	wg.Wait()

	if err != nil {
		return nil, err
	}
	return &data, nil
}
