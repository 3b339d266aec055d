package agentbinding

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/chain"
	"github.com/chainreactor/backend/infrastructure/logging"
	"github.com/chainreactor/backend/internal/app/domain/agent"
	"github.com/chainreactor/backend/internal/app/storage"
)

// rpcTimeout bounds the ownerOf call per §5's 10s RPC budget.
const rpcTimeout = 10 * time.Second

// Service implements the challenge/verify/link flow in §4.6. The four
// distinguishable failure causes (expired, replayed, bad signature,
// ownership mismatch) are logged with detail but always surfaced to
// callers as the same generic auth-family error, per §4.6's failure
// surface requirement.
type Service struct {
	store  storage.AgentStore
	chains *chain.Registry
	logger *logging.Logger
	now    func() time.Time
}

// New builds a Service backed by store for nonce/link persistence and
// chains for on-chain ownership checks.
func New(store storage.AgentStore, chains *chain.Registry, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("agentbinding", "info", "json")
	}
	return &Service{store: store, chains: chains, logger: logger, now: time.Now}
}

// IssueChallenge returns a fresh nonce and canonical message for
// walletAddress to sign.
func (s *Service) IssueChallenge(walletAddress string) (agent.Challenge, error) {
	return NewChallenge(walletAddress, s.now())
}

// VerifyAndLink validates req's signed challenge and, on success, records
// an AgentLink binding req.AgentID (on req.ChainID) to req.OrganizationID.
func (s *Service) VerifyAndLink(ctx context.Context, req agent.VerifyRequest) (agent.Link, error) {
	parsed, err := parseMessage(req.Challenge)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("agent link: malformed challenge message")
		return agent.Link{}, bindingFailed()
	}

	if !strings.EqualFold(parsed.wallet, req.WalletAddress) {
		s.logger.WithContext(ctx).Warn("agent link: wallet address does not match challenge message")
		return agent.Link{}, bindingFailed()
	}

	if s.now().After(parsed.expiresAt) {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{"nonce": parsed.nonce}).Warn("agent link: challenge expired")
		return agent.Link{}, bindingFailed()
	}

	used, err := s.store.NonceUsed(ctx, parsed.nonce)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("agent link: nonce lookup failed")
		return agent.Link{}, serr.Wrap(serr.ErrCodeDatabaseError, "agent link verification failed", 500, err)
	}
	if used {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{"nonce": parsed.nonce}).Warn("agent link: nonce replay detected")
		return agent.Link{}, bindingFailed()
	}

	recovered, err := recoverSigner(req.Challenge, req.Signature)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("agent link: signature recovery failed")
		return agent.Link{}, bindingFailed()
	}
	if !strings.EqualFold(recovered.Hex(), req.WalletAddress) {
		s.logger.WithContext(ctx).Warn("agent link: signature does not recover claimed wallet")
		return agent.Link{}, bindingFailed()
	}

	// Insert the nonce before the expensive RPC call so a racing duplicate
	// submission of the same signed challenge cannot both pass replay
	// protection.
	if err := s.store.InsertUsedNonce(ctx, parsed.nonce, parsed.expiresAt); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("agent link: nonce already consumed by a racing request")
		return agent.Link{}, bindingFailed()
	}

	client, registry, ok := s.chains.Resolve(req.ChainID)
	if !ok {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{"chain_id": req.ChainID}).Error("agent link: no chain client configured")
		return agent.Link{}, serr.New(serr.ErrCodeInternal, "agent link verification failed", 500)
	}

	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	owner, err := client.OwnerOf(callCtx, registry, big.NewInt(req.AgentID))
	cancel()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("agent link: ownerOf call failed")
		return agent.Link{}, serr.Wrap(serr.ErrCodeBlockchainError, "agent link verification failed", 503, err)
	}
	if !strings.EqualFold(owner.Hex(), req.WalletAddress) {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"agent_id": req.AgentID, "on_chain_owner": owner.Hex(),
		}).Warn("agent link: wallet does not own agent on-chain")
		return agent.Link{}, bindingFailed()
	}

	link, err := s.store.CreateLink(ctx, agent.Link{
		AgentID:        req.AgentID,
		ChainID:        req.ChainID,
		OrganizationID: req.OrganizationID,
		WalletAddress:  req.WalletAddress,
		Status:         agent.LinkActive,
	})
	if err != nil {
		if err == storage.ErrConflict {
			return agent.Link{}, serr.Conflict(fmt.Sprintf("agent %d on chain %d is already linked", req.AgentID, req.ChainID))
		}
		s.logger.WithContext(ctx).WithError(err).Error("agent link: create link failed")
		return agent.Link{}, serr.Wrap(serr.ErrCodeDatabaseError, "agent link verification failed", 500, err)
	}
	return link, nil
}

// ListLinks returns the active links owned by orgID; revoked links are not
// listed.
func (s *Service) ListLinks(ctx context.Context, orgID string) ([]agent.Link, error) {
	return s.store.ListLinks(ctx, orgID)
}

// Unlink removes the binding for (agentID, chainID) under orgID.
func (s *Service) Unlink(ctx context.Context, orgID string, agentID, chainID int64) error {
	return s.store.RemoveLink(ctx, orgID, agentID, chainID)
}

func bindingFailed() error {
	return serr.Forbidden("agent binding verification failed")
}
