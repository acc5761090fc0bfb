package settings

// File is the top-level shape of a settings file. Ingress and egress
// sections share the same rule schema; either may be omitted.
type File struct {
	Ingress *Section `yaml:"ingress" json:"ingress"`
	Egress  *Section `yaml:"egress" json:"egress"`
}

// Section declares the rules and whitelist for one traffic direction.
type Section struct {
	Rules      []RuleSpec      `yaml:"rules" json:"rules"`
	WhiteList  []WhitelistSpec `yaml:"whiteList" json:"whiteList"`
	UniqueName string          `yaml:"uniqueName" json:"uniqueName"`

	// PropagateToIngress only applies to the egress section.
	PropagateToIngress bool `yaml:"propagateToIngress" json:"propagateToIngress"`
}

// WhitelistSpec is the predicate portion of a rule. Requests matching
// any whitelist entry bypass every rule in the section.
type WhitelistSpec struct {
	UriPattern  string `yaml:"uriPattern" json:"uriPattern"`
	Method      string `yaml:"method" json:"method"`
	HeaderName  string `yaml:"headerName" json:"headerName"`
	HeaderValue string `yaml:"headerValue" json:"headerValue"`
	IdentityId  string `yaml:"identityId" json:"identityId"`
}

// RuleSpec is one declarative rule.
type RuleSpec struct {
	Name        string        `yaml:"name" json:"name"`
	UriPattern  string        `yaml:"uriPattern" json:"uriPattern"`
	Method      string        `yaml:"method" json:"method"`
	HeaderName  string        `yaml:"headerName" json:"headerName"`
	HeaderValue string        `yaml:"headerValue" json:"headerValue"`
	IdentityId  string        `yaml:"identityId" json:"identityId"`
	RateLimit   RateLimitSpec `yaml:"rateLimit" json:"rateLimit"`

	// MaxDelayInSeconds holds a rejected request and retries it instead
	// of answering 429 immediately.
	MaxDelayInSeconds int64 `yaml:"maxDelayInSeconds" json:"maxDelayInSeconds"`
}

// RateLimitSpec selects and parameterizes the algorithm.
type RateLimitSpec struct {
	// Algorithm is one of "FixedWindow", "SlidingWindow", "Semaphore".
	Algorithm string `yaml:"algorithm" json:"algorithm"`

	PermitLimit       int64 `yaml:"permitLimit" json:"permitLimit"`
	IntervalInSeconds int64 `yaml:"intervalInSeconds" json:"intervalInSeconds"`
	NumOfBuckets      int64 `yaml:"numOfBuckets" json:"numOfBuckets"`
	TimeoutInSeconds  int64 `yaml:"timeoutInSeconds" json:"timeoutInSeconds"`
}

// Algorithm names accepted in settings files.
const (
	AlgorithmFixedWindow   = "FixedWindow"
	AlgorithmSlidingWindow = "SlidingWindow"
	AlgorithmSemaphore     = "Semaphore"
)
