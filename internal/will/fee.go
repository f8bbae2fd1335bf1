package will

// Fee returns floor(amount*bps/10000).
func Fee(amount Amount, bps uint16) Amount {
	return amount.MulDiv(int64(bps), BpsDenominator)
}

// NativeRequirement returns the pooled total of a native distribution list
// and the fee charged on top of it. The engine must hold total+fee.
func NativeRequirement(entries []NativeDistribution, bps uint16) (total, fee Amount) {
	for _, d := range entries {
		total = total.Add(d.Amount)
	}
	return total, Fee(total, bps)
}

// TokenSplit returns the beneficiary's net share and the fee for one
// fungible entry of amount.
func TokenSplit(amount Amount, bps uint16) (net, fee Amount) {
	fee = Fee(amount, bps)
	return amount.Sub(fee), fee
}
