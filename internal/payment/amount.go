package payment

import (
	"fmt"
	"math/big"
	"strings"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseEther 将 "0.002" 或 "0.002 ETH" 形式的金额精确换算为 wei。
func ParseEther(amount string) (*big.Int, error) {
	text := strings.TrimSpace(amount)
	lower := strings.ToLower(text)
	if strings.HasSuffix(lower, "eth") {
		text = strings.TrimSpace(text[:len(text)-3])
	}
	if text == "" {
		return nil, fmt.Errorf("金额不能为空")
	}
	for _, r := range text {
		if (r < '0' || r > '9') && r != '.' {
			return nil, fmt.Errorf("非法的金额: %q", amount)
		}
	}

	value, ok := new(big.Rat).SetString(text)
	if !ok {
		return nil, fmt.Errorf("非法的金额: %q", amount)
	}
	value.Mul(value, new(big.Rat).SetInt(weiPerEther))
	if !value.IsInt() {
		return nil, fmt.Errorf("金额精度超过 18 位小数: %q", amount)
	}
	wei := new(big.Int).Set(value.Num())
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("金额必须大于 0: %q", amount)
	}
	return wei, nil
}

// FormatEther 将 wei 格式化为去掉多余零的 ETH 十进制字符串。
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	text := new(big.Rat).SetFrac(wei, weiPerEther).FloatString(18)
	text = strings.TrimRight(text, "0")
	return strings.TrimSuffix(text, ".")
}
