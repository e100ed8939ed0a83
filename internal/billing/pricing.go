// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package billing sells plans through Razorpay: pricing, checkout,
// webhooks, downgrades, renewal reminders and GST invoices.
package billing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/proxinex/proxinex-api/internal/plans"
)

const (
	// DefaultGSTRate is the Indian GST on software subscriptions
	DefaultGSTRate = 0.18
	// DefaultCurrency is what Razorpay charges in
	DefaultCurrency = "INR"
	// yearlyMonths is how many months a yearly plan costs
	yearlyMonths = 10
)

// Quote prices one plan for one cycle
type Quote struct {
	Plan                   plans.ID    `json:"plan"`
	Cycle                  plans.Cycle `json:"billing_cycle"`
	Currency               string      `json:"currency"`
	SubtotalPaise          int64       `json:"subtotal_paise"`
	TaxPaise               int64       `json:"tax_paise"`
	TotalPaise             int64       `json:"total_paise"`
	GSTRate                float64     `json:"gst_rate"`
	MonthlyEquivalentPaise int64       `json:"monthly_equivalent_paise"`
	SavingsPaise           int64       `json:"savings_paise"`
}

// PricePaise is the pre-tax price of plan for cycle
func PricePaise(id plans.ID, cycle plans.Cycle) (int64, error) {
	p, ok := plans.Get(id)
	if !ok {
		return 0, fmt.Errorf("unknown plan %q", id)
	}
	switch cycle {
	case plans.Monthly:
		return p.MonthlyPaise, nil
	case plans.Yearly:
		return p.MonthlyPaise * yearlyMonths, nil
	}
	return 0, fmt.Errorf("unknown billing cycle %q", cycle)
}

// NewQuote prices a plan with GST added on top. A zero rate means DefaultGSTRate.
func NewQuote(id plans.ID, cycle plans.Cycle, gstRate float64) (Quote, error) {
	if gstRate <= 0 {
		gstRate = DefaultGSTRate
	}
	subtotal, err := PricePaise(id, cycle)
	if err != nil {
		return Quote{}, err
	}
	tax := int64(math.Round(float64(subtotal) * gstRate))

	q := Quote{
		Plan:                   id,
		Cycle:                  cycle,
		Currency:               DefaultCurrency,
		SubtotalPaise:          subtotal,
		TaxPaise:               tax,
		TotalPaise:             subtotal + tax,
		GSTRate:                gstRate,
		MonthlyEquivalentPaise: subtotal,
	}
	if cycle == plans.Yearly {
		monthly := subtotal / yearlyMonths
		q.MonthlyEquivalentPaise = subtotal / 12
		q.SavingsPaise = monthly*12 - subtotal
	}
	return q, nil
}

// Recommendation is the pricing calculator's answer
type Recommendation struct {
	Plan   plans.ID `json:"plan"`
	Reason string   `json:"reason"`
	Quote  Quote    `json:"quote"`
}

// RecommendPlan picks the cheapest plan whose daily search allowance covers
// queriesPerDay.
func RecommendPlan(queriesPerDay int, cycle plans.Cycle, gstRate float64) (Recommendation, error) {
	if queriesPerDay < 0 {
		return Recommendation{}, fmt.Errorf("queries per day must not be negative")
	}
	limits := plans.DefaultLimits()
	for _, p := range plans.Catalog() {
		limit := limits.Limit(p.ID, plans.FeatureSearch)
		if limit != plans.Unlimited && limit < queriesPerDay {
			continue
		}
		q, err := NewQuote(p.ID, cycle, gstRate)
		if err != nil {
			return Recommendation{}, err
		}
		reason := fmt.Sprintf("%s covers %d searches a day", p.Name, limit)
		if limit == plans.Unlimited {
			reason = fmt.Sprintf("%s has no daily search limit", p.Name)
		}
		return Recommendation{Plan: p.ID, Reason: reason, Quote: q}, nil
	}
	return Recommendation{}, fmt.Errorf("no plan covers %d searches a day", queriesPerDay)
}

// PeriodEnd is when a period starting at start renews
func PeriodEnd(start time.Time, cycle plans.Cycle) time.Time {
	if cycle == plans.Yearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// FormatPaise renders an amount in rupees with Indian digit grouping, e.g. 1,23,456.00
func FormatPaise(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	rupees := strconv.FormatInt(paise/100, 10)

	var grouped string
	if len(rupees) <= 3 {
		grouped = rupees
	} else {
		head, tail := rupees[:len(rupees)-3], rupees[len(rupees)-3:]
		var parts []string
		for len(head) > 2 {
			parts = append([]string{head[len(head)-2:]}, parts...)
			head = head[:len(head)-2]
		}
		parts = append([]string{head}, parts...)
		grouped = strings.Join(parts, ",") + "," + tail
	}
	return fmt.Sprintf("%s%s.%02d", sign, grouped, paise%100)
}
