package billing

// Package is a purchasable bundle of credits. Price is in minor units of
// Currency and is informational only; payment capture happens upstream.
type Package struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Credits  int64  `json:"credits" yaml:"credits"`
	Price    int64  `json:"price" yaml:"price"`
	Currency string `json:"currency" yaml:"currency"`
}

func DefaultPackages() []Package {
	return []Package{
		{ID: "pkg_10", Name: "Starter Pack", Credits: 10, Price: 9900, Currency: "INR"},
		{ID: "pkg_100", Name: "Professional Pack", Credits: 100, Price: 49900, Currency: "INR"},
		{ID: "pkg_250", Name: "Enterprise Pack", Credits: 250, Price: 99900, Currency: "INR"},
	}
}

func findPackage(pkgs []Package, id string) (Package, bool) {
	for _, p := range pkgs {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
