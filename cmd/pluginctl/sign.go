package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"PluginRuntime/pkg/plugin/security"
)

const defaultKeyEnv = "PLUGINCTL_SIGNING_KEY"

type signature struct {
	ID        string `json:"id"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

func newSignCmd() *cobra.Command {
	var registryPath, id, keyHex, keyEnv string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "为注册表中的插件元数据签名",
		Long: `使用 secp256k1 私钥对插件元数据签名，输出可写入注册表 metadata.signature 的十六进制签名。
签名者地址需加入策略的 trustedSigners 才会被宿主接受。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadSigningKey(keyHex, keyEnv)
			if err != nil {
				return err
			}
			entry, err := findEntry(registryPath, id)
			if err != nil {
				return err
			}
			sig, err := security.Sign(entry.Metadata, key)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), signature{
				ID:        entry.ID,
				Signer:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
				Signature: sig,
			})
		},
	}
	cmd.Flags().StringVar(&registryPath, "registry", "configs/registry.yaml", "注册表文件")
	cmd.Flags().StringVar(&id, "id", "", "插件 ID")
	cmd.Flags().StringVar(&keyHex, "key", "", "十六进制私钥，优先于环境变量")
	cmd.Flags().StringVar(&keyEnv, "key-env", defaultKeyEnv, "保存私钥的环境变量")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "生成签名私钥与对应地址",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"private_key": hexutil.Encode(crypto.FromECDSA(key)),
				"address":     crypto.PubkeyToAddress(key.PublicKey).Hex(),
			})
		},
	}
}

func loadSigningKey(keyHex, keyEnv string) (*ecdsa.PrivateKey, error) {
	if keyHex == "" && keyEnv != "" {
		keyHex = os.Getenv(keyEnv)
	}
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未提供签名私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}
