package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meattrace/notify/internal/db"
)

// Convenience wrappers for the traceability platform's workflow
// events. Each bakes in the type, priority, group key, and action
// wiring for one business event so callers pass only the facts.

// JoinRequest notifies an org admin that a user asked to join.
func (s *Store) JoinRequest(ctx context.Context, adminID uuid.UUID, username, orgName string, requestID uuid.UUID) (*Result, error) {
	return s.Create(ctx, adminID, db.TypeJoinRequest,
		fmt.Sprintf("Join request from %s", username),
		fmt.Sprintf("%s has requested to join %s", username, orgName),
		CreateOptions{
			Priority:   db.PriorityMedium,
			GroupKey:   "join_request:" + requestID.String(),
			ActionType: "review",
			ActionURL:  "/org/requests/" + requestID.String(),
			ActionText: "Review request",
		})
}

// JoinApproved notifies a user their join request was approved.
func (s *Store) JoinApproved(ctx context.Context, userID uuid.UUID, orgName string) (*Result, error) {
	return s.Create(ctx, userID, db.TypeJoinApproved,
		fmt.Sprintf("Welcome to %s", orgName),
		fmt.Sprintf("Your request to join %s has been approved", orgName),
		CreateOptions{Priority: db.PriorityMedium})
}

// JoinRejected notifies a user their join request was declined.
func (s *Store) JoinRejected(ctx context.Context, userID uuid.UUID, orgName, reason string) (*Result, error) {
	message := fmt.Sprintf("Your request to join %s was declined", orgName)
	if reason != "" {
		message += ": " + reason
	}
	return s.Create(ctx, userID, db.TypeJoinRejected,
		fmt.Sprintf("Join request declined for %s", orgName),
		message,
		CreateOptions{Priority: db.PriorityMedium})
}

// AnimalRejected notifies the submitting farmer that an animal failed
// inspection. High priority: the farmer can appeal.
func (s *Store) AnimalRejected(ctx context.Context, farmerID uuid.UUID, animalTag, reason string, animalID uuid.UUID) (*Result, error) {
	return s.Create(ctx, farmerID, db.TypeAnimalRejected,
		fmt.Sprintf("Animal %s rejected", animalTag),
		fmt.Sprintf("Animal %s was rejected at inspection: %s", animalTag, reason),
		CreateOptions{
			Priority:   db.PriorityHigh,
			GroupKey:   "animal:" + animalID.String(),
			ActionType: "appeal",
			ActionURL:  "/animals/" + animalID.String() + "/appeal",
			ActionText: "Submit appeal",
		})
}

// PartRejected notifies the owner that a carcass part failed inspection.
func (s *Store) PartRejected(ctx context.Context, ownerID uuid.UUID, partLabel, reason string, partID uuid.UUID) (*Result, error) {
	return s.Create(ctx, ownerID, db.TypePartRejected,
		fmt.Sprintf("Part %s rejected", partLabel),
		fmt.Sprintf("Part %s was rejected: %s", partLabel, reason),
		CreateOptions{
			Priority:   db.PriorityHigh,
			GroupKey:   "part:" + partID.String(),
			ActionType: "appeal",
			ActionURL:  "/parts/" + partID.String() + "/appeal",
			ActionText: "Submit appeal",
		})
}

// ProductRejected notifies the processor that a product failed checks.
func (s *Store) ProductRejected(ctx context.Context, ownerID uuid.UUID, productName, reason string, productID uuid.UUID) (*Result, error) {
	return s.Create(ctx, ownerID, db.TypeProductRejected,
		fmt.Sprintf("Product %s rejected", productName),
		fmt.Sprintf("Product %s was rejected: %s", productName, reason),
		CreateOptions{
			Priority:   db.PriorityHigh,
			GroupKey:   "product:" + productID.String(),
			ActionType: "appeal",
			ActionURL:  "/products/" + productID.String() + "/appeal",
			ActionText: "Submit appeal",
		})
}

// AppealSubmitted notifies the reviewing admins that an appeal landed.
func (s *Store) AppealSubmitted(ctx context.Context, itemLabel string, appealID uuid.UUID) ([]*Result, error) {
	return s.CreateBatch(ctx, nil, []string{"admins"}, db.TypeAppealSubmitted,
		fmt.Sprintf("Appeal submitted for %s", itemLabel),
		fmt.Sprintf("An appeal for %s is awaiting review", itemLabel),
		CreateOptions{
			Priority:   db.PriorityHigh,
			GroupKey:   "appeal:" + appealID.String(),
			ActionType: "review",
			ActionURL:  "/appeals/" + appealID.String(),
			ActionText: "Review appeal",
		})
}

// AppealResolved notifies the appellant of the outcome.
func (s *Store) AppealResolved(ctx context.Context, userID uuid.UUID, itemLabel string, approved bool, note string) (*Result, error) {
	typ := db.TypeAppealDenied
	title := fmt.Sprintf("Appeal denied for %s", itemLabel)
	message := fmt.Sprintf("Your appeal for %s was denied", itemLabel)
	if approved {
		typ = db.TypeAppealApproved
		title = fmt.Sprintf("Appeal approved for %s", itemLabel)
		message = fmt.Sprintf("Your appeal for %s was approved", itemLabel)
	}
	if note != "" {
		message += ": " + note
	}

	return s.Create(ctx, userID, typ, title, message,
		CreateOptions{Priority: db.PriorityHigh})
}

// SystemAlert broadcasts an urgent operational notice to named groups.
func (s *Store) SystemAlert(ctx context.Context, groups []string, title, message string) ([]*Result, error) {
	return s.CreateBatch(ctx, nil, groups, db.TypeSystemAlert, title, message,
		CreateOptions{Priority: db.PriorityUrgent})
}
