package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

// OwnedJob is a job whose campaign was verified to belong to the caller.
// It can only be obtained through Controller.OwnedJob.
type OwnedJob struct {
	job   mailing.JobState
	owner uuid.UUID
}

// OwnedCampaign is a campaign verified to belong to the caller.
type OwnedCampaign struct {
	campaign mailing.Campaign
}

func (h OwnedCampaign) Campaign() mailing.Campaign { return h.campaign }

// OwnedJob walks job -> campaign -> user. Missing and foreign jobs both
// return ErrNotFound so callers never learn another user's IDs exist.
func (c *Controller) OwnedJob(ctx context.Context, jobID, callerID uuid.UUID) (OwnedJob, error) {
	job, err := c.store.GetJobState(ctx, jobID)
	if err != nil {
		return OwnedJob{}, err
	}
	owned, err := c.OwnedCampaign(ctx, job.CampaignID, callerID)
	if err != nil {
		return OwnedJob{}, err
	}
	return OwnedJob{job: job, owner: owned.campaign.UserID}, nil
}

// OwnedCampaign returns the campaign if callerID owns it, ErrNotFound otherwise.
func (c *Controller) OwnedCampaign(ctx context.Context, campaignID, callerID uuid.UUID) (OwnedCampaign, error) {
	campaign, err := c.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return OwnedCampaign{}, err
	}
	if callerID == uuid.Nil || campaign.UserID != callerID {
		return OwnedCampaign{}, ErrNotFound
	}
	return OwnedCampaign{campaign: campaign}, nil
}

// IsNotFound reports whether err means "no such resource for this caller".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
