// Package domain 记账核心的领域模型：账户、交易、分录、持有与 outbox 事件
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// currencyExponents ISO-4217 小数位，未列出的币种默认 2 位
var currencyExponents = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "UGX": 0,
}

// ValidCurrency 校验币种代码格式（三位大写字母）
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// CurrencyExponent 返回币种的最小单位小数位
func CurrencyExponent(code string) int32 {
	if exp, ok := currencyExponents[code]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits 将外部上报的十进制金额转换为最小单位整数。
// 精度超过币种小数位的金额视为非法，拒绝而非静默舍入。
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !ValidCurrency(currency) {
		return 0, fmt.Errorf("invalid currency code: %q", currency)
	}
	exp := CurrencyExponent(currency)
	shifted := amount.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount.String(), currency)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s overflows minor units", amount.String())
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits 将最小单位整数转换回十进制金额
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-CurrencyExponent(currency))
}
