// Package appointmentapi is the ingestion HTTP surface customers post
// appointment requests to: it verifies the customer's EIP-191
// signature over the request, assigns an ID, and
// hands the appointment to the store, letting the store's
// higher-nonce-wins rule decide whether it actually replaces anything.
package appointmentapi

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pisa/internal/config"
	"pisa/pkg/models"
)

// AppointmentAccepter is the port the server hands validated
// appointments to; internal/watcher components learn about new
// appointments by listing the store (GetAll) on every head, so accepting here is
// just persistence, but the interface keeps the HTTP layer decoupled
// from the store's concrete type.
type AppointmentAccepter interface {
	AddOrUpdateByStateLocator(a *models.Appointment) (bool, error)
	GetByID(id string) (*models.Appointment, bool, error)
}

// Server is PISA's customer-facing HTTP API.
type Server struct {
	store   AppointmentAccepter
	cfg     *config.Config
	logger  *logrus.Logger
	server  *http.Server
}

// New builds a Server bound to store, serving on cfg.AppointmentAPI.Port.
func New(store AppointmentAccepter, cfg *config.Config, logger *logrus.Logger) *Server {
	return &Server{store: store, cfg: cfg, logger: logger}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails to serve.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", s.health)
	router.GET("/nodes", s.nodes)

	v1 := router.Group("/appointments")
	{
		v1.POST("", s.createAppointment)
		v1.GET("/:id", s.getAppointment)
	}

	port := s.cfg.AppointmentAPI.Port
	s.server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("appointment api listening on port %d", port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) nodes(c *gin.Context) {
	if s.cfg.Blockchain == nil || len(s.cfg.Blockchain.Nodes) == 0 {
		c.JSON(http.StatusOK, gin.H{"nodes": []gin.H{}, "total": 0})
		return
	}

	nodes := make([]gin.H, 0, len(s.cfg.Blockchain.Nodes))
	for _, n := range s.cfg.Blockchain.Nodes {
		nodes = append(nodes, gin.H{
			"name":     n.Name,
			"type":     n.Type,
			"url":      n.URL,
			"priority": n.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

func (s *Server) getAppointment(c *gin.Context) {
	appointment, ok, err := s.store.GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "appointment not found"})
		return
	}
	c.JSON(http.StatusOK, appointment)
}

func (s *Server) createAppointment(c *gin.Context) {
	var req models.AppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.EndBlock <= req.StartBlock {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_block must be greater than start_block"})
		return
	}

	signer, err := recoverSigner(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid signature: %v", err)})
		return
	}
	if signer != req.CustomerAddress {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature does not match customer_address"})
		return
	}

	appointment := &models.Appointment{
		ID:              appointmentID(&req),
		StateLocator:    req.StateLocator,
		CustomerAddress: req.CustomerAddress,
		StartBlock:      req.StartBlock,
		EndBlock:        req.EndBlock,
		EventFilter: models.EventFilter{
			Address: req.EventAddress,
			Topics:  req.EventTopics,
		},
		Response: models.ResponseData{
			ContractAddress: req.ContractAddress,
			ContractABI:     req.ContractABI,
			FunctionName:    req.FunctionName,
			FunctionArgs:    req.FunctionArgs,
			GasLimit:        req.GasLimit,
		},
		CustomerSig: req.Signature,
		Nonce:       req.Nonce,
	}

	if _, err := appointment.Response.Encode(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid response encoding: %v", err)})
		return
	}

	accepted, err := s.store.AddOrUpdateByStateLocator(appointment)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "nonce must be strictly greater than the currently stored appointment for this state locator"})
		return
	}

	c.JSON(http.StatusOK, appointment)
}

// appointmentID derives a stable, collision-resistant identifier from
// the state locator and nonce, so the same (locator, nonce) pair
// always maps to the same ID even if resubmitted.
func appointmentID(req *models.AppointmentRequest) string {
	sum := sha256.New()
	sum.Write([]byte(req.StateLocator))
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], req.Nonce)
	sum.Write(nonceBytes[:])
	return hex.EncodeToString(sum.Sum(nil))
}

// appointmentDigest packs the fields of req the same way the
// customer's client is expected to before signing, in ABI-encoded
// form, and returns its Keccak256 hash.
func appointmentDigest(req *models.AppointmentRequest) ([]byte, error) {
	uint64Type, _ := abi.NewType("uint64", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	bytes32ArrayType, _ := abi.NewType("bytes32[]", "", nil)
	stringType, _ := abi.NewType("string", "", nil)

	arguments := abi.Arguments{
		{Type: stringType},
		{Type: addressType},
		{Type: uint64Type},
		{Type: uint64Type},
		{Type: addressType},
		{Type: bytes32ArrayType},
		{Type: addressType},
		{Type: uint64Type},
		{Type: uint64Type},
	}

	packed, err := arguments.Pack(
		req.StateLocator,
		req.CustomerAddress,
		req.StartBlock,
		req.EndBlock,
		req.EventAddress,
		req.EventTopics,
		req.ContractAddress,
		req.GasLimit,
		req.Nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("pack appointment digest: %w", err)
	}

	return crypto.Keccak256(packed), nil
}

// recoverSigner verifies req.Signature is a valid EIP-191
// ("\x19Ethereum Signed Message:\n32" prefixed) signature over
// appointmentDigest(req) and returns the address that produced it.
func recoverSigner(req *models.AppointmentRequest) (common.Address, error) {
	digest, err := appointmentDigest(req)
	if err != nil {
		return common.Address{}, err
	}

	prefixed := accounts191Digest(digest)

	if len(req.Signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(req.Signature))
	}
	sig := make([]byte, 65)
	copy(sig, req.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(prefixed, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// accounts191Digest applies the go-ethereum personal_sign prefix to a
// 32-byte hash, matching what eth_sign / personal_sign wallets produce.
func accounts191Digest(hash []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))
	return crypto.Keccak256([]byte(prefix), hash)
}
