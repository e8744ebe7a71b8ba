package mce

// reconcileSolvency checks an agent's post-commit balance against its
// debt ceiling and flips PIP membership accordingly (spec.md §4.4
// Bankruptcy & PIP). Entry garnishes all future earnings to the system
// bank (enforced in creditEndpoint); exit happens once balance recovers
// to zero or above.
func reconcileSolvency(a *Agent) {
	switch {
	case !a.InPIP && a.Balance.LessThan(a.DebtCeiling):
		a.InPIP = true
	case a.InPIP && !a.Balance.IsNegative():
		a.InPIP = false
	}
}
