package model

// Category is one of the fixed set of story categories. Category is a hard
// partition: articles are only ever compared against groups in the same
// category.
type Category string

const (
	CategoryScience      Category = "Science & Environment"
	CategoryBusiness     Category = "Business, Finance & Trade"
	CategoryAI           Category = "Artificial Intelligence & Machine Learning"
	CategorySoftware     Category = "Software Development & Open Source"
	CategoryCybersec     Category = "Cybersecurity & Data Privacy"
	CategoryPolitics     Category = "Politics & Government"
	CategoryConsumerTech Category = "Consumer Technology & Gadgets"
	CategoryAutoSpace    Category = "Automotive, Space & Transportation"
	CategoryEnterprise   Category = "Enterprise Technology & Cloud Computing"
	CategoryOther        Category = "Other"
)

// AllCategories returns the closed category set in display order.
func AllCategories() []Category {
	return []Category{
		CategoryScience,
		CategoryBusiness,
		CategoryAI,
		CategorySoftware,
		CategoryCybersec,
		CategoryPolitics,
		CategoryConsumerTech,
		CategoryAutoSpace,
		CategoryEnterprise,
		CategoryOther,
	}
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	for _, cat := range AllCategories() {
		if c == cat {
			return true
		}
	}
	return false
}

// ParseCategory maps a string onto the closed set, falling back to Other
// for anything unrecognized (the catch-all rule the labeler also applies).
func ParseCategory(s string) Category {
	c := Category(s)
	if c.Valid() {
		return c
	}
	return CategoryOther
}
