package configuration

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

// Static errors for lifecycle BDD tests
var (
	errNoDraft               = errors.New("no draft has been created")
	errNoValidationFailure   = errors.New("validation was expected to fail")
	errUnexpectedStatus      = errors.New("unexpected configuration status")
	errUnexpectedActive      = errors.New("unexpected active configuration")
	errUnexpectedActivation  = errors.New("unexpected activation result")
	errSelectionsDiffer      = errors.New("selections differ")
	errMultipleActive        = errors.New("more than one configuration is active")
	errMalformedSelectionArg = errors.New("selection must be stage=module")
)

// LifecycleBDDTestContext holds state for one scenario.
type LifecycleBDDTestContext struct {
	contracts *contract.Registry
	stages    *stage.Registry
	modules   *registry.Registry
	service   *Service

	draft      Configuration
	lastErr    error
	activation ActivationResult
}

func (c *LifecycleBDDTestContext) reset() {
	*c = LifecycleBDDTestContext{}
}

func (c *LifecycleBDDTestContext) stagesEachBoundToADistinctContract(list string) error {
	c.contracts = contract.NewRegistry(nil)
	var defs []stage.Stage
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if _, err := c.contracts.Register(contract.Contract{ID: id + ".v1"}); err != nil {
			return err
		}
		defs = append(defs, stage.Stage{ID: id, ContractID: id + ".v1", Required: true})
	}
	if _, err := c.contracts.Register(contract.Contract{ID: "unrelated.v1"}); err != nil {
		return err
	}

	stages, err := stage.NewRegistry(c.contracts, defs...)
	if err != nil {
		return err
	}
	c.stages = stages
	c.modules = registry.NewRegistry(c.contracts, registry.WithStages(stages))
	c.service = NewService(NewValidator(stages, c.modules, c.contracts))
	return nil
}

func (c *LifecycleBDDTestContext) aCompliantModuleForStage(moduleID, stageID string) error {
	st, err := c.stages.Get(stageID)
	if err != nil {
		return err
	}
	return c.modules.Register(registry.Module{ID: moduleID, ContractID: st.ContractID, Available: true}, nil)
}

func (c *LifecycleBDDTestContext) aModuleBoundToAnUnrelatedContract(moduleID string) error {
	return c.modules.Register(registry.Module{ID: moduleID, ContractID: "unrelated.v1", Available: true}, nil)
}

func (c *LifecycleBDDTestContext) iCreateADraftSelecting(spec string) error {
	var sel []Selection
	for _, pair := range strings.Split(spec, ",") {
		stageID, moduleID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return fmt.Errorf("%w: %q", errMalformedSelectionArg, pair)
		}
		sel = append(sel, Selection{StageID: stageID, ModuleID: moduleID})
	}
	d, err := c.service.CreateDraft(context.Background(), sel, "operator", "")
	if err != nil {
		return err
	}
	c.draft = d
	return nil
}

func (c *LifecycleBDDTestContext) iValidateTheDraft() error {
	if c.draft.Version == 0 {
		return errNoDraft
	}
	d, err := c.service.ValidateDraft(context.Background(), c.draft.Version, "operator")
	if d.Version != 0 {
		c.draft = d
	}
	c.lastErr = err
	if err != nil && !stagectl.IsValidationError(err) {
		return err
	}
	return nil
}

func (c *LifecycleBDDTestContext) theDraftStatusShouldBe(status string) error {
	got, err := c.service.GetConfiguration(c.draft.Version)
	if err != nil {
		return err
	}
	if string(got.Status) != status {
		return fmt.Errorf("%w: version %d is %s, want %s", errUnexpectedStatus, got.Version, got.Status, status)
	}
	return nil
}

func (c *LifecycleBDDTestContext) iActivateTheDraftWithProcessing(state string) error {
	res, err := c.service.Activate(context.Background(), c.draft.Version, state == "active", "operator")
	if err != nil {
		return err
	}
	c.activation = res
	return nil
}

func (c *LifecycleBDDTestContext) theActivationShouldBeAppliedImmediately() error {
	if !c.activation.AppliedImmediately {
		return fmt.Errorf("%w: expected immediate apply", errUnexpectedActivation)
	}
	return nil
}

func (c *LifecycleBDDTestContext) theActivationShouldBeQueued() error {
	if c.activation.AppliedImmediately {
		return fmt.Errorf("%w: expected queued activation", errUnexpectedActivation)
	}
	return nil
}

func (c *LifecycleBDDTestContext) versionShouldBeActive(version int64) error {
	active, ok := c.service.GetActive()
	if !ok || active.Version != version {
		return fmt.Errorf("%w: want version %d, got %d (present=%v)", errUnexpectedActive, version, active.Version, ok)
	}
	return nil
}

func (c *LifecycleBDDTestContext) versionShouldBe(version int64, status string) error {
	got, err := c.service.GetConfiguration(version)
	if err != nil {
		return err
	}
	if string(got.Status) != status {
		return fmt.Errorf("%w: version %d is %s, want %s", errUnexpectedStatus, version, got.Status, status)
	}
	return nil
}

func (c *LifecycleBDDTestContext) noConfigurationShouldBeActive() error {
	if active, ok := c.service.GetActive(); ok {
		return fmt.Errorf("%w: version %d", errUnexpectedActive, active.Version)
	}
	return nil
}

func (c *LifecycleBDDTestContext) validationShouldFailWith(kind error, stageID string) error {
	if c.lastErr == nil {
		return errNoValidationFailure
	}
	var verr *stagectl.ValidationError
	if !errors.As(c.lastErr, &verr) {
		return fmt.Errorf("unexpected error type: %w", c.lastErr)
	}
	for _, s := range verr.StagesFor(kind) {
		if s == stageID {
			return nil
		}
	}
	return fmt.Errorf("%w: no %v violation for stage %s in %v", errNoValidationFailure, kind, stageID, verr)
}

func (c *LifecycleBDDTestContext) validationShouldFailWithAContractMismatchForStage(stageID string) error {
	return c.validationShouldFailWith(stagectl.ErrContractMismatch, stageID)
}

func (c *LifecycleBDDTestContext) validationShouldFailAsIncompleteForStage(stageID string) error {
	return c.validationShouldFailWith(stagectl.ErrIncompleteConfiguration, stageID)
}

func (c *LifecycleBDDTestContext) processingFinishes() error {
	_, err := c.service.ProcessingFinished(context.Background())
	return err
}

func (c *LifecycleBDDTestContext) iRollBackToVersion(version int64) error {
	_, res, err := c.service.Rollback(context.Background(), version, false, "operator")
	if err != nil {
		return err
	}
	c.activation = res
	return nil
}

func (c *LifecycleBDDTestContext) versionShouldHaveTheSameSelectionsAsVersion(a, b int64) error {
	ca, err := c.service.GetConfiguration(a)
	if err != nil {
		return err
	}
	cb, err := c.service.GetConfiguration(b)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(ca.Selections, cb.Selections) {
		return fmt.Errorf("%w: %v vs %v", errSelectionsDiffer, ca.Selections, cb.Selections)
	}
	return nil
}

func (c *LifecycleBDDTestContext) exactlyOneConfigurationShouldBeActive() error {
	if n := activeCount(c.service); n != 1 {
		return fmt.Errorf("%w: %d", errMultipleActive, n)
	}
	return nil
}

// InitializeLifecycleScenario wires the step definitions.
func InitializeLifecycleScenario(ctx *godog.ScenarioContext) {
	testCtx := &LifecycleBDDTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})

	// Catalogue
	ctx.Step(`^stages "([^"]*)" each bound to a distinct contract$`, testCtx.stagesEachBoundToADistinctContract)
	ctx.Step(`^a compliant module "([^"]*)" for stage "([^"]*)"$`, testCtx.aCompliantModuleForStage)
	ctx.Step(`^a module "([^"]*)" bound to an unrelated contract$`, testCtx.aModuleBoundToAnUnrelatedContract)

	// Drafts and validation
	ctx.Step(`^I create a draft selecting "([^"]*)"$`, testCtx.iCreateADraftSelecting)
	ctx.Step(`^I validate the draft$`, testCtx.iValidateTheDraft)
	ctx.Step(`^the draft status should be "([^"]*)"$`, testCtx.theDraftStatusShouldBe)
	ctx.Step(`^validation should fail with a contract mismatch for stage "([^"]*)"$`, testCtx.validationShouldFailWithAContractMismatchForStage)
	ctx.Step(`^validation should fail as incomplete for stage "([^"]*)"$`, testCtx.validationShouldFailAsIncompleteForStage)

	// Activation
	ctx.Step(`^I activate the draft with processing (active|idle)$`, testCtx.iActivateTheDraftWithProcessing)
	ctx.Step(`^the activation should be applied immediately$`, testCtx.theActivationShouldBeAppliedImmediately)
	ctx.Step(`^the activation should be queued$`, testCtx.theActivationShouldBeQueued)
	ctx.Step(`^processing finishes$`, testCtx.processingFinishes)
	ctx.Step(`^version (\d+) should be active$`, testCtx.versionShouldBeActive)
	ctx.Step(`^version (\d+) should be "([^"]*)"$`, testCtx.versionShouldBe)
	ctx.Step(`^no configuration should be active$`, testCtx.noConfigurationShouldBeActive)
	ctx.Step(`^exactly one configuration should be active$`, testCtx.exactlyOneConfigurationShouldBeActive)

	// Rollback
	ctx.Step(`^I roll back to version (\d+)$`, testCtx.iRollBackToVersion)
	ctx.Step(`^version (\d+) should have the same selections as version (\d+)$`, testCtx.versionShouldHaveTheSameSelectionsAsVersion)
}

// TestConfigurationLifecycle runs the BDD tests for the configuration lifecycle
func TestConfigurationLifecycle(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/configuration_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
