package license

import (
	"testing"

	"flowdeck.app/cloud/models"
)

func TestParseCatalog_Valid(t *testing.T) {
	catalog, err := ParseCatalog("perpetual-sku:perpetual, sub-sku:subscription")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	licenseType, ok := catalog.LicenseType("perpetual-sku")
	if !ok || licenseType != models.TypePerpetual {
		t.Errorf("Expected perpetual for perpetual-sku, got %q (ok=%v)", licenseType, ok)
	}

	licenseType, ok = catalog.LicenseType("sub-sku")
	if !ok || licenseType != models.TypeSubscription {
		t.Errorf("Expected subscription for sub-sku, got %q (ok=%v)", licenseType, ok)
	}
}

func TestParseCatalog_UnknownProductNotFound(t *testing.T) {
	catalog, err := ParseCatalog("perpetual-sku:perpetual")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, ok := catalog.LicenseType("other-sku"); ok {
		t.Errorf("Expected other-sku to be unknown")
	}
}

func TestParseCatalog_InvalidEntry(t *testing.T) {
	if _, err := ParseCatalog("no-colon-here"); err == nil {
		t.Errorf("Expected error for entry without license type")
	}
}

func TestParseCatalog_InvalidLicenseType(t *testing.T) {
	if _, err := ParseCatalog("sku:lifetime"); err == nil {
		t.Errorf("Expected error for unknown license type")
	}
}

func TestParseCatalog_Empty(t *testing.T) {
	if _, err := ParseCatalog(""); err == nil {
		t.Errorf("Expected error for empty catalog")
	}
}
