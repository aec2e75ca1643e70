// Stats HTTP handlers.
//
//   - GET /agents/{agentId}/stats          (daily rows, paginated, ETag support)
//   - GET /agents/{agentId}/stats/summary  (range totals with recomputed rates)
//
// Both read the materialized table only; they never aggregate on request.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// ListStatsResponse wraps a page of daily rows and pagination information.
type ListStatsResponse struct {
	Stats      []domain.DailyStats `json:"stats"`
	Pagination Pagination          `json:"pagination"`
}

func dimTag(p *int64) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprint(*p)
}

// ListStats returns daily rows for one dimension of an agent, most recent
// day first. Without brandId and jobId the aggregate rows are returned.
//
// A weak ETag derived from the matching row count and the latest update is
// set on every response; a matching If-None-Match yields 304.
func (h *Handlers) ListStats(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := agentOf(c)
	from, to := query(c, "from"), query(c, "to")

	brandID, okBrand := parseDim(query(c, "brandId", "brand_id"))
	jobID, okJob := parseDim(query(c, "jobId", "job_id"))
	if !okBrand || !okJob {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "brandId and jobId must be non-negative integers or none")
		return
	}
	page, pageSize := clampPagination(c, 31, 366)

	count, maxTS, err := h.stats.Meta(ctx, agentID, from, to, brandID, jobID)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	etag := fmt.Sprintf(`W/"stats:%s:%s:%s:%s:%s:%d:%d:%d:%d"`,
		agentID, from, to, dimTag(brandID), dimTag(jobID), page, pageSize, count, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	items, total, err := h.stats.ListPage(ctx, agentID, from, to, brandID, jobID, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListStatsResponse{Stats: items, Pagination: newPagination(page, pageSize, total)})
}

// StatsSummary sums an agent's aggregate rows between from and to.
func (h *Handlers) StatsSummary(c *gin.Context) {
	sum, err := h.stats.Summarize(c.Request.Context(), agentOf(c), query(c, "from"), query(c, "to"))
	if err != nil {
		failService(c, err, ErrCodeSummaryFail)
		return
	}
	ok(c, http.StatusOK, sum)
}
