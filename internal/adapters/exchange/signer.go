package exchange

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Headers set by WalletSigner.
const (
	HeaderWalletAddress   = "X-WALLET-ADDRESS"
	HeaderWalletSignature = "X-WALLET-SIGNATURE"
	HeaderWalletTimestamp = "X-WALLET-TIMESTAMP"
)

const (
	signDomainName    = "HedgerVenueAuth"
	signDomainVersion = "1"
)

// EIP-712 type hashes.
var (
	signDomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	signRequestTypeHash = crypto.Keccak256Hash([]byte(
		"Request(address wallet,string timestamp,string method,string path,bytes32 bodyHash)",
	))
)

// WalletSigner authenticates requests to wallet-keyed venues (on-chain perp
// DEXes) with an EIP-712 signature over method, path, body and timestamp.
type WalletSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	now     func() time.Time
}

// NewWalletSigner parses a hex private key, with or without 0x prefix.
func NewWalletSigner(privateKeyHex string, chainID int64) (*WalletSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("exchange.NewWalletSigner: invalid private key: %w", err)
	}
	return &WalletSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		now:     time.Now,
	}, nil
}

// Address returns the wallet address in checksum form.
func (s *WalletSigner) Address() string {
	return s.address.Hex()
}

// Sign sets the wallet headers on req. body must be the exact request body.
func (s *WalletSigner) Sign(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	digest := requestDigest(s.chainID, s.address, ts, req.Method, req.URL.RequestURI(), body)
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return fmt.Errorf("exchange.Sign: %w", err)
	}
	sig[64] += 27

	req.Header.Set(HeaderWalletAddress, s.address.Hex())
	req.Header.Set(HeaderWalletSignature, "0x"+common.Bytes2Hex(sig))
	req.Header.Set(HeaderWalletTimestamp, ts)
	return nil
}

// RecoverSigner returns the wallet that signed req, as a venue would verify it.
func RecoverSigner(req *http.Request, body []byte, chainID int64) (string, error) {
	sig := common.FromHex(req.Header.Get(HeaderWalletSignature))
	if len(sig) != crypto.SignatureLength {
		return "", errors.New("exchange.RecoverSigner: malformed signature")
	}
	sig = append([]byte(nil), sig...)
	sig[64] -= 27

	claimed := common.HexToAddress(req.Header.Get(HeaderWalletAddress))
	digest := requestDigest(big.NewInt(chainID), claimed, req.Header.Get(HeaderWalletTimestamp),
		req.Method, req.URL.RequestURI(), body)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return "", fmt.Errorf("exchange.RecoverSigner: %w", err)
	}
	got := crypto.PubkeyToAddress(*pub)
	if got != claimed {
		return "", fmt.Errorf("exchange.RecoverSigner: signature from %s, header claims %s", got.Hex(), claimed.Hex())
	}
	return got.Hex(), nil
}

func signDomainSeparator(chainID *big.Int) common.Hash {
	var buf []byte
	buf = append(buf, signDomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(signDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(signDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(chainID.Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

func requestDigest(chainID *big.Int, wallet common.Address, ts, method, path string, body []byte) common.Hash {
	var structBuf []byte
	structBuf = append(structBuf, signRequestTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(wallet.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(ts)).Bytes()...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(method)).Bytes()...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(path)).Bytes()...)
	structBuf = append(structBuf, crypto.Keccak256Hash(body).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var raw []byte
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, signDomainSeparator(chainID).Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw)
}
