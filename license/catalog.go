package license

import (
	"fmt"
	"strings"

	"flowdeck.app/cloud/models"
)

// Catalog maps Stripe product ids to the license type they grant.
type Catalog map[string]string

// LicenseType returns the license type for a product id.
func (c Catalog) LicenseType(productID string) (string, bool) {
	t, ok := c[productID]
	return t, ok
}

// ParseCatalog parses a "product_id:license_type,..." string, the format used
// by the PRODUCT_CATALOG environment variable.
func ParseCatalog(s string) (Catalog, error) {
	catalog := make(Catalog)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid catalog entry %q", entry)
		}
		switch parts[1] {
		case models.TypePerpetual, models.TypeSubscription, models.TypeFreeTrial:
		default:
			return nil, fmt.Errorf("invalid license type %q for product %q", parts[1], parts[0])
		}
		catalog[parts[0]] = parts[1]
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("empty product catalog")
	}
	return catalog, nil
}
