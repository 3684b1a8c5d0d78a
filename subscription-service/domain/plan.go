package domain

import (
	"sort"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/pkg/errors"
)

var ErrPlanNotFound = errors.New("plan not found")

// Plan is a product a user can subscribe to
type Plan struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Price models.Money `json:"price"`
}

var catalogue = map[string]Plan{
	"plano-basico":     {ID: "plano-basico", Name: "Básico", Price: models.NewMoney(2990, "BRL")},
	"plano-premium":    {ID: "plano-premium", Name: "Premium", Price: models.NewMoney(5990, "BRL")},
	"plano-enterprise": {ID: "plano-enterprise", Name: "Enterprise", Price: models.NewMoney(9990, "BRL")},
}

// FindPlan looks a plan up by id
func FindPlan(id string) (Plan, error) {
	plan, ok := catalogue[id]
	if !ok {
		return Plan{}, errors.Wrapf(ErrPlanNotFound, "plan %q", id)
	}
	return plan, nil
}

// Plans lists the catalogue ordered by price
func Plans() []Plan {
	out := make([]Plan, 0, len(catalogue))
	for _, p := range catalogue {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.Amount < out[j].Price.Amount })
	return out
}
