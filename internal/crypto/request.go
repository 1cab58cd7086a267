package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Stake-Address"
	HeaderTimestamp = "X-Stake-Timestamp"
	HeaderSignature = "X-Stake-Signature"
)

// RequestMessage is the text a caller signs for one API request:
//
//	METHOD|/path|unix-seconds|keccak256(body) as 0x-hex
func RequestMessage(method, path string, timestamp int64, body []byte) string {
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		hexutil.Encode(ethcrypto.Keccak256(body)),
	}, "|")
}

// Signer signs API requests with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address { return s.address }

// SignMessage produces an EIP-191 personal signature over msg with v in
// {27, 28}.
func (s *Signer) SignMessage(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignRequest sets the three authentication headers on req for body.
func (s *Signer) SignRequest(req *http.Request, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := s.SignMessage([]byte(RequestMessage(req.Method, req.URL.Path, ts, body)))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, s.address.Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// RecoverSigner returns the account that produced the personal signature
// sigHex over msg.
func RecoverSigner(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature is %d bytes", domain.ErrBadSignature, len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
