package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"OnyxLab-Core/sdk/go/onyx"
)

// 演示完整流程：创建会话、生成并批准提案、创建支付请求。
// 支付交易需要由钱包发送，拿到交易哈希后再用 -tx 参数校验并部署。
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "onyxd 地址")
	wallet := flag.String("wallet", "", "钱包地址")
	prompt := flag.String("prompt", "每 5 分钟检查 ETH/USD 价格，超过 4000 时发送告警", "工作流需求")
	sessionID := flag.String("session", "", "已有会话 ID（配合 -payment 与 -tx）")
	paymentID := flag.String("payment", "", "支付 ID")
	txHash := flag.String("tx", "", "支付交易哈希")
	flag.Parse()

	client, err := onyx.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetWallet(*wallet)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if *sessionID != "" && *txHash != "" {
		verification, err := client.VerifyPayment(ctx, *sessionID, *paymentID, *txHash)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("payment verified=%v block=%d\n", verification.Verified, verification.BlockNumber)
		result, err := client.Deploy(ctx, *sessionID)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("deployed %s (status=%s)\n", result.DeploymentID, result.Status)
		return
	}

	summary, err := client.CreateSession(ctx, *prompt)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created session %s\n", summary.SessionID)

	proposal, err := client.GenerateProposal(ctx, summary.SessionID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("proposal #%d:\n%s\n", proposal.IterationNumber, proposal.DiagramText)

	if _, err := client.ApproveProposal(ctx, summary.SessionID); err != nil {
		log.Fatal(err)
	}
	request, err := client.CreatePayment(ctx, summary.SessionID, "")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("send %s ETH to %s before %s, then rerun with -session %s -payment %s -tx <hash>\n",
		request.Amount, request.RecipientAddress, request.Deadline.Format(time.RFC3339), summary.SessionID, request.PaymentID)
}
