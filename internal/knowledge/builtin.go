package knowledge

// Builtin 返回内置的 CRE 运行时知识，在未配置知识库文件时使用。
func Builtin(maxResults int) *StaticProvider {
	return NewStaticProvider(builtinSnippets, maxResults)
}

var builtinSnippets = []Snippet{
	{
		Title:    "Price monitoring",
		Content:  "Use a cron trigger, an http_fetch step per price source, a consensus step to aggregate the readings and a compute step in function.js to compare against the threshold before notify.",
		Keywords: []string{"price", "monitor", "alert", "drop", "eth/usd"},
		Tags:     []string{"oracle"},
	},
	{
		Title:    "Staking automation",
		Content:  "Read positions with evm_read, decide in a compute step and submit the transaction with evm_write. Keys for signing are declared under secrets and never inlined.",
		Keywords: []string{"stake", "restake", "reward", "link", "yield"},
		Tags:     []string{"defi"},
	},
	{
		Title:    "Parametric payouts",
		Content:  "Fetch the external measurement (weather, flight status) with http_fetch, reach consensus across sources, then release funds with evm_write when the condition in function.js holds.",
		Keywords: []string{"weather", "insurance", "payout", "rain", "flight"},
		Tags:     []string{"parametric"},
	},
	{
		Title:    "On-chain events",
		Content:  "An evm_log trigger needs the chain name, the contract address and the event signature, e.g. Transfer(address,address,uint256).",
		Keywords: []string{"event", "transfer", "contract", "log", "whale"},
	},
}
