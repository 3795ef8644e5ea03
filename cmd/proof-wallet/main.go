package main

import (
	"flag"
	"fmt"
	"os"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/botsentinel/gosentinel/internal/registrar"
)

// 证明签名钱包小工具：
//   proof-wallet -new                    生成新助记词并打印签名地址
//   proof-wallet -mnemonic "..."         打印已有助记词对应的签名地址
func main() {
	newWallet := flag.Bool("new", false, "生成新助记词")
	mnemonic := flag.String("mnemonic", "", "已有助记词（也可用 SENTINEL_REGISTRAR_MNEMONIC 环境变量）")
	path := flag.String("path", "m/44'/60'/0'/0/0", "派生路径")
	flag.Parse()

	m := *mnemonic
	if m == "" {
		m = os.Getenv("SENTINEL_REGISTRAR_MNEMONIC")
	}

	if *newWallet {
		generated, err := hdwallet.NewMnemonic(128)
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成助记词失败: %v\n", err)
			os.Exit(1)
		}
		m = generated
		fmt.Println("助记词（妥善保管，仅显示这一次）:")
		fmt.Println("  " + m)
	}

	if m == "" {
		fmt.Fprintln(os.Stderr, "需要 -new 或 -mnemonic（或设置 SENTINEL_REGISTRAR_MNEMONIC）")
		os.Exit(1)
	}

	signer, err := registrar.NewProofSigner(m, *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "派生签名密钥失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("派生路径: %s\n", *path)
	fmt.Printf("签名地址: %s\n", signer.Address())
}
