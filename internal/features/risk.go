package features

// RiskProfile is the descriptive breakdown shown next to a prediction.
// It is informational only and never feeds the classifier.
type RiskProfile struct {
	AmountLevel string   `json:"amount_level"`
	TimeOfDay   string   `json:"time_of_day"`
	AgeGroup    string   `json:"age_group"`
	DayType     string   `json:"day_type"`
	Factors     []string `json:"factors"`
}

// Categories with a higher historical fraud rate.
var highRiskCategories = map[string]bool{
	"gas_transport": true,
	"misc_net":      true,
	"shopping_net":  true,
}

func AmountLevel(amount float64) string {
	switch {
	case amount < 50:
		return "Low"
	case amount < 200:
		return "Medium"
	case amount < 500:
		return "High"
	default:
		return "Very High"
	}
}

func TimeOfDay(hour int) string {
	switch {
	case hour >= 6 && hour <= 22:
		return "Normal Hours"
	case hour > 22 || hour < 2:
		return "Late Night"
	default:
		return "Early Morning"
	}
}

func AgeGroup(age int) string {
	switch {
	case age < 25:
		return "Young Adult"
	case age < 40:
		return "Adult"
	case age < 60:
		return "Middle Age"
	default:
		return "Senior"
	}
}

// Profile builds the risk badges and the list of notable factors for tx.
func Profile(tx Transaction) RiskProfile {
	p := RiskProfile{
		AmountLevel: AmountLevel(tx.Amount),
		TimeOfDay:   TimeOfDay(tx.Hour),
		AgeGroup:    AgeGroup(tx.Age),
		DayType:     "Weekday",
		Factors:     []string{},
	}
	if tx.IsWeekend {
		p.DayType = "Weekend"
	}

	if tx.Amount > 500 {
		p.Factors = append(p.Factors, "high value transaction (>$500)")
	}
	if tx.Hour < 6 || tx.Hour > 22 {
		p.Factors = append(p.Factors, "unusual hour (late night or early morning)")
	}
	if tx.IsWeekend {
		p.Factors = append(p.Factors, "weekend transaction")
	}
	if highRiskCategories[tx.Category] {
		p.Factors = append(p.Factors, "category with elevated fraud rate")
	}
	return p
}
