package jobs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

// ListCampaigns returns the user's campaigns, newest first, names decrypted.
func (c *Controller) ListCampaigns(ctx context.Context, userID uuid.UUID) ([]mailing.Campaign, error) {
	return c.store.ListCampaigns(ctx, userID)
}

// CampaignJobs returns one page of an owned campaign's jobs with recipient
// and subject decrypted.
func (c *Controller) CampaignJobs(ctx context.Context, h OwnedCampaign, page mailing.Page) ([]mailing.EmailJob, error) {
	return c.store.ListJobs(ctx, h.campaign.ID, page)
}

// DeleteHistory removes every campaign of the user together with its jobs,
// clicks and attachments.
func (c *Controller) DeleteHistory(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := c.store.DeleteHistory(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	c.audit.Log(ctx, userID, audit.EventHistoryDeleted, "user:"+userID.String(),
		map[string]string{"campaigns": strconv.FormatInt(n, 10)})
	return n, nil
}

// DeleteAccount removes the user and everything they own.
func (c *Controller) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	if err := c.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	c.audit.Log(ctx, userID, audit.EventAccountDeleted, "user:"+userID.String(), nil)
	return nil
}
