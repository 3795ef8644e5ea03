package registrar

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
)

// ProofSigner 批次证明签名器：从助记词派生密钥，
// 对批次摘要做 keccak256 + secp256k1 签名，登记服务用它校验上报来源。
type ProofSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewProofSigner 从助记词派生签名密钥
func NewProofSigner(mnemonic, derivationPath string) (*ProofSigner, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, errors.New("助记词为空")
	}
	if derivationPath == "" {
		derivationPath = "m/44'/60'/0'/0/0"
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.Wrap(err, "解析助记词失败")
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "解析派生路径失败")
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "派生账户失败")
	}
	pkHex, err := w.PrivateKeyHex(acct)
	if err != nil {
		return nil, errors.Wrap(err, "导出私钥失败")
	}
	key, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, errors.Wrap(err, "解析私钥失败")
	}

	return &ProofSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address 签名地址（0x 前缀）
func (s *ProofSigner) Address() string {
	return s.address
}

// SignDigest 对任意载荷做 keccak256 摘要并签名，返回 0x 前缀的签名十六进制
func (s *ProofSigner) SignDigest(payload []byte) (string, error) {
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", errors.Wrap(err, "签名失败")
	}
	return hexutil.Encode(sig), nil
}

// DigestHex 返回载荷的 keccak256 摘要（0x 前缀）
func DigestHex(payload []byte) string {
	return fmt.Sprintf("0x%s", hex.EncodeToString(crypto.Keccak256(payload)))
}
