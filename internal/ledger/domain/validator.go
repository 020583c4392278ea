package domain

// ValidateEntries 校验候选交易的分录集合。纯函数，不触碰存储。
// 检查顺序：分录数量 → 方向合法 → 金额为正 → 账户存在且币种一致 →
// 按币种分组的借贷平衡。命中第一个违规即返回。
func ValidateEntries(entries []EntryInput, accounts map[string]*Account, maxEntries int) *ValidationError {
	if len(entries) < 2 {
		return NewValidationError(CheckEntryCount, -1, "at least 2 entries required, got %d", len(entries))
	}
	if maxEntries > 0 && len(entries) > maxEntries {
		return NewValidationError(CheckEntryCount, -1, "too many entries: %d exceeds limit %d", len(entries), maxEntries)
	}

	for i, e := range entries {
		if !e.Direction.Valid() {
			return NewValidationError(CheckDirection, i, "unknown direction %q", e.Direction)
		}
	}

	for i, e := range entries {
		if e.Amount <= 0 {
			return NewValidationError(CheckPositiveAmount, i, "amount must be strictly positive, got %d", e.Amount)
		}
	}

	for i, e := range entries {
		acc, ok := accounts[e.AccountID]
		if !ok || acc == nil {
			return NewValidationError(CheckAccountExistence, i, "account %s not found", e.AccountID)
		}
		if e.Currency != acc.Currency {
			return NewValidationError(CheckCurrencyMatch, i,
				"entry currency %s does not match account %s currency %s", e.Currency, e.AccountID, acc.Currency)
		}
	}

	// 一笔交易可以跨币种，但每个币种桶必须独立平衡
	debits := make(map[string]int64)
	credits := make(map[string]int64)
	for _, e := range entries {
		if e.Direction == DirectionDebit {
			debits[e.Currency] += e.Amount
		} else {
			credits[e.Currency] += e.Amount
		}
	}
	for currency, d := range debits {
		if c := credits[currency]; d != c {
			return NewValidationError(CheckZeroSum, -1,
				"unbalanced %s bucket: debits %d != credits %d", currency, d, c)
		}
	}
	for currency, c := range credits {
		if _, ok := debits[currency]; !ok {
			return NewValidationError(CheckZeroSum, -1,
				"unbalanced %s bucket: debits 0 != credits %d", currency, c)
		}
	}

	return nil
}

// AccountDeltas 计算各账户的净余额增量（借记为负，贷记为正）。
// 纯函数，过账重试时可廉价重算。
func AccountDeltas(entries []EntryInput) map[string]int64 {
	deltas := make(map[string]int64, len(entries))
	for _, e := range entries {
		deltas[e.AccountID] += e.SignedAmount()
	}
	return deltas
}
