/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the settlement service needs: reading professionals and their completed
 * revenue, and persisting weekly payout ledgers.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Professional profile (owned by the marketplace; only the gateway link is written here).
	FindProfessionalByID(ctx context.Context, id uuid.UUID) (*domain.Professional, error)
	FindProfessionalIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	SaveGatewayAccountLink(ctx context.Context, professionalID uuid.UUID, link domain.GatewayAccountLink) error

	// Completed order and booking lines, read-only.
	FindCompletedRevenue(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) ([]domain.RevenueLine, error)
	ListProfessionalsWithRevenue(ctx context.Context, window domain.WeekWindow) ([]uuid.UUID, error)

	// Weekly payout ledger.
	CreatePayout(ctx context.Context, payout *domain.PayoutLedger) error
	FindPayoutByID(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error)
	FindPayoutByWeek(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) (*domain.PayoutLedger, error)
	FindPayoutByGatewayPayoutID(ctx context.Context, gatewayPayoutID string) (*domain.PayoutLedger, error)
	ListPayoutsByStatus(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutLedger, error)
	ListPayoutsByProfessional(ctx context.Context, professionalID uuid.UUID, limit int) ([]domain.PayoutLedger, error)
	ListStaleProcessingPayouts(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PayoutLedger, error)
	// UpdatePayoutState persists the mutable lifecycle fields of payout only if the
	// stored status still equals expected.
	UpdatePayoutState(ctx context.Context, payout *domain.PayoutLedger, expected domain.PayoutStatus) error

	// Gateway events that arrived before their payout id was known.
	BufferGatewayEvent(ctx context.Context, update domain.GatewayStatusUpdate) error
	TakeBufferedGatewayEvents(ctx context.Context, gatewayPayoutID string) ([]domain.GatewayStatusUpdate, error)
}
