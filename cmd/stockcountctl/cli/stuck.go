package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/stockcount/internal/cyclecount"
)

// StuckPost is one row of the stuck-posts report.
type StuckPost struct {
	TenantID           string    `json:"tenantId"`
	CycleCountID       string    `json:"cycleCountId"`
	PostIdempotencyKey string    `json:"postIdempotencyKey"`
	ClaimedBy          string    `json:"postLockClaimedBy"`
	ClaimedAt          time.Time `json:"postLockClaimedAtUtc"`
	AgeSeconds         int64     `json:"ageSeconds"`
}

// StuckPostsReport is the JSON output of stuck-posts.
type StuckPostsReport struct {
	OK        bool        `json:"ok"`
	Threshold string      `json:"threshold"`
	Posts     []StuckPost `json:"posts"`
}

type stuckOptions struct {
	threshold time.Duration
	limit     int
	now       func() time.Time
}

// NewStuckPostsCommand lists APPROVED counts whose post lock is older than the threshold.
// It exits with ErrStuckPostsFound when any are reported.
func NewStuckPostsCommand(rootOpts *RootOptions, deps Deps) *cobra.Command {
	opts := &stuckOptions{now: func() time.Time { return time.Now().UTC() }}
	cmd := &cobra.Command{
		Use:   "stuck-posts",
		Short: "List cycle counts stuck after the post lock was claimed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.threshold <= 0 {
				return errors.New("--threshold must be positive")
			}
			if deps.OpenStore == nil {
				return errors.New("stuck-posts: store not configured")
			}
			store, closeStore, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			now := opts.now()
			headers, err := store.ListStuckPosts(cmd.Context(), now.Add(-opts.threshold), opts.limit)
			if err != nil {
				return err
			}
			report := buildStuckReport(headers, opts.threshold, now)
			if rootOpts.Format == "json" {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
					return err
				}
			} else {
				renderStuckHuman(cmd.OutOrStdout(), report)
			}
			if !report.OK {
				return ErrStuckPostsFound
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.threshold, "threshold", 15*time.Minute, "minimum age of the post lock")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "maximum rows")
	return cmd
}

func buildStuckReport(headers []cyclecount.Header, threshold time.Duration, now time.Time) StuckPostsReport {
	posts := make([]StuckPost, 0, len(headers))
	for _, h := range headers {
		post := StuckPost{
			TenantID:           h.TenantID,
			CycleCountID:       h.ID,
			PostIdempotencyKey: h.PostIdempotencyKey,
			ClaimedBy:          h.PostLockClaimedBy,
		}
		if h.PostLockClaimedAt != nil {
			post.ClaimedAt = h.PostLockClaimedAt.UTC()
			post.AgeSeconds = int64(now.Sub(post.ClaimedAt).Seconds())
		}
		posts = append(posts, post)
	}
	return StuckPostsReport{OK: len(posts) == 0, Threshold: threshold.String(), Posts: posts}
}

func renderStuckHuman(out io.Writer, report StuckPostsReport) {
	if report.OK {
		_, _ = fmt.Fprintf(out, "No cycle counts stuck longer than %s.\n", report.Threshold)
		return
	}
	_, _ = fmt.Fprintf(out, "%d cycle count(s) stuck longer than %s:\n", len(report.Posts), report.Threshold)
	for _, p := range report.Posts {
		_, _ = fmt.Fprintf(out, " - tenant=%s id=%s claimed_by=%s age=%s key=%s\n",
			p.TenantID, p.CycleCountID, p.ClaimedBy, time.Duration(p.AgeSeconds)*time.Second, p.PostIdempotencyKey)
	}
}
