package stacks

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgefront/edgefront/config"
	"github.com/edgefront/edgefront/lib/awsclient"
	"github.com/edgefront/edgefront/lib/cert"
	"github.com/edgefront/edgefront/lib/dns"
	"github.com/edgefront/edgefront/lib/graph"
	"github.com/edgefront/edgefront/lib/listener"
)

// Node identities. These are stable across runs: the state store keys node
// results by them to detect already-converged work.
const (
	nodeZone        graph.NodeID = "dns/zone"
	nodeCertRequest graph.NodeID = "cert/request"
	nodeCertWait    graph.NodeID = "cert/wait"
	nodeTargetGroup graph.NodeID = "targets/group"
	nodeRegister    graph.NodeID = "targets/register"
	nodeListener    graph.NodeID = "listener/bind"
	nodeAlias       graph.NodeID = "dns/alias"
	nodeCertRetire  graph.NodeID = "cert/retire"

	validationNodePrefix = "dns/validation/"
)

// Output keys shared between nodes.
const (
	outZoneID            = "zone_id"
	outCertARN           = "cert_arn"
	outPreviousCertARN   = "previous_cert_arn"
	outValidationRecords = "validation_records"
	outStatus            = "status"
	outTargetGroupARN    = "target_group_arn"
	outListenerARN       = "listener_arn"
	outEndpoint          = "endpoint"
	outEndpointZoneID    = "endpoint_zone_id"
	outRecordName        = "name"
	outRecordType        = "type"
	outRetiredARN        = "retired_arn"
)

// EdgeStackProps wires the external collaborators into the stack.
type EdgeStackProps struct {
	Config  *config.StackConfig
	Clients *awsclient.Clients
	Store   *graph.Store
	Logger  *zap.Logger
}

// Outputs are the observable results of a converged stack.
type Outputs struct {
	CertificateARN string
	ListenerARN    string
	Endpoint       string
	AliasFQDN      string
}

// EdgeStack is the provisioning graph for one TLS-terminated public
// endpoint: certificate → validation records → issuance wait → listener →
// alias record, with target-group setup and registration on an independent
// branch. The number of validation record nodes is unknown until the
// certificate request returns, so they are spawned at runtime, one per
// validation domain.
type EdgeStack struct {
	cfg   *config.StackConfig
	store *graph.Store
	log   *zap.Logger
	exec  *graph.Executor

	requester *cert.Requester
	waiter    *cert.Waiter
	zones     *dns.ZoneResolver
	publisher *dns.Publisher
	binder    *listener.Binder
	registrar *listener.Registrar

	fqdn string
}

// NewEdgeStack builds the stack and registers its static nodes.
func NewEdgeStack(props EdgeStackProps) (*EdgeStack, error) {
	if props.Config == nil || props.Clients == nil || props.Store == nil {
		return nil, fmt.Errorf("config, clients and store are required")
	}
	log := props.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &EdgeStack{
		cfg:       props.Config,
		store:     props.Store,
		log:       log.Named("edgestack"),
		exec:      graph.NewExecutor(props.Store, log),
		requester: cert.NewRequester(props.Clients.ACM, log),
		waiter:    cert.NewWaiter(props.Clients.ACM, log),
		zones:     dns.NewZoneResolver(props.Clients.DNS, log),
		publisher: dns.NewPublisher(props.Clients.DNS, log),
		binder:    listener.NewBinder(props.Clients.ELB, log),
		registrar: listener.NewRegistrar(props.Clients.ELB, log),
		fqdn:      props.Config.FQDN(),
	}
	if err := s.registerNodes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply converges the whole stack and returns its observable outputs.
func (s *EdgeStack) Apply(ctx context.Context) (*Outputs, error) {
	s.log.Info("applying stack",
		zap.String("domain", s.fqdn),
		zap.Strings("alternateNames", s.cfg.AlternateNames),
		zap.String("loadBalancer", s.cfg.LoadBalancerARN))

	if err := s.exec.Apply(ctx); err != nil {
		return nil, err
	}

	listenerOut, _ := s.exec.Outputs(nodeListener)
	certOut, _ := s.exec.Outputs(nodeCertRequest)
	out := &Outputs{
		CertificateARN: certOut[outCertARN],
		ListenerARN:    listenerOut[outListenerARN],
		Endpoint:       listenerOut[outEndpoint],
		AliasFQDN:      s.fqdn,
	}
	s.log.Info("stack applied",
		zap.String("endpoint", out.Endpoint),
		zap.String("domain", out.AliasFQDN),
		zap.String("certificate", out.CertificateARN))
	return out, nil
}

// Destroy tears the stack down in reverse dependency order. Validation
// record nodes are rebuilt from persisted state so a stack destroyed by a
// fresh process still removes them; resources that were never created are
// skipped without error.
func (s *EdgeStack) Destroy(ctx context.Context) error {
	s.log.Info("destroying stack", zap.String("domain", s.fqdn))
	if err := s.registerStoredValidationNodes(); err != nil {
		return err
	}
	return s.exec.Destroy(ctx)
}

func (s *EdgeStack) registerNodes() error {
	nodes := []*graph.Node{
		{
			ID:  nodeZone,
			Run: s.runZone,
		},
		{
			ID:      nodeCertRequest,
			Run:     s.runCertRequest,
			Destroy: s.destroyCertRequest,
		},
		{
			ID:        nodeCertWait,
			DependsOn: []graph.NodeID{nodeCertRequest},
			Run:       s.runCertWait,
			Verify:    s.verifyCertWait,
		},
		{
			ID:      nodeTargetGroup,
			Run:     s.runTargetGroup,
			Destroy: s.destroyTargetGroup,
		},
		{
			ID:        nodeRegister,
			DependsOn: []graph.NodeID{nodeTargetGroup},
			Run:       s.runRegister,
			Destroy:   s.destroyRegister,
		},
		{
			ID:        nodeListener,
			DependsOn: []graph.NodeID{nodeCertWait, nodeTargetGroup},
			Run:       s.runListener,
			Destroy:   s.destroyListener,
		},
		{
			ID:        nodeAlias,
			DependsOn: []graph.NodeID{nodeListener, nodeZone},
			Run:       s.runAlias,
			Destroy:   s.destroyAlias,
		},
		{
			ID:        nodeCertRetire,
			DependsOn: []graph.NodeID{nodeAlias},
			Run:       s.runCertRetire,
		},
	}
	for _, n := range nodes {
		if err := s.exec.Add(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *EdgeStack) runZone(ctx context.Context, _ graph.DepOutputs) (*graph.RunResult, error) {
	zoneID, err := s.zones.Resolve(ctx, s.cfg.Domain.Root)
	if err != nil {
		return nil, err
	}
	return &graph.RunResult{Outputs: graph.Outputs{outZoneID: zoneID}}, nil
}

// runCertRequest is the fan-out node: it ensures the certificate request
// exists, waits for the authority to hand back validation challenges, and
// spawns one publishing node per deduplicated validation domain.
func (s *EdgeStack) runCertRequest(ctx context.Context, _ graph.DepOutputs) (*graph.RunResult, error) {
	res, err := s.requester.Ensure(ctx, s.fqdn, s.cfg.AlternateNames)
	if err != nil {
		return nil, err
	}

	challenges, err := s.requester.Challenges(ctx, res.Current)
	if err != nil {
		return nil, err
	}
	records := dns.SynthesizeValidationRecords(challenges)

	encoded, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding validation records: %w", err)
	}

	out := graph.Outputs{
		outCertARN:           res.Current.ARN,
		outValidationRecords: string(encoded),
	}
	if res.Previous != nil {
		out[outPreviousCertARN] = res.Previous.ARN
	}

	children := make([]*graph.Node, 0, len(records))
	for _, rec := range records {
		children = append(children, s.validationNode(rec))
	}
	return &graph.RunResult{Outputs: out, Children: children}, nil
}

// validationNode publishes one deduplicated validation record. The executor
// wires it between cert/request and cert/wait, so issuance is never awaited
// before every proof is in DNS.
func (s *EdgeStack) validationNode(rec dns.ValidationRecord) *graph.Node {
	id := graph.NodeID(validationNodePrefix + rec.ValidationDomain)
	return &graph.Node{
		ID:        id,
		DependsOn: []graph.NodeID{nodeZone},
		Run: func(ctx context.Context, deps graph.DepOutputs) (*graph.RunResult, error) {
			zoneID := deps.Get(nodeZone, outZoneID)
			handle, err := s.publisher.Publish(ctx, zoneID, rec.Record, true)
			if err != nil {
				return nil, err
			}
			return &graph.RunResult{Outputs: graph.Outputs{
				outZoneID:     handle.ZoneID,
				outRecordName: handle.Name,
				outRecordType: handle.Type,
			}}, nil
		},
		Destroy: func(ctx context.Context, prior graph.Outputs) error {
			if prior[outRecordName] == "" {
				return nil
			}
			return s.publisher.Delete(ctx, prior[outZoneID], prior[outRecordName], prior[outRecordType])
		},
	}
}

func (s *EdgeStack) destroyCertRequest(ctx context.Context, prior graph.Outputs) error {
	if err := s.requester.Delete(ctx, prior[outPreviousCertARN]); err != nil {
		return err
	}
	return s.requester.Delete(ctx, prior[outCertARN])
}

func (s *EdgeStack) runCertWait(ctx context.Context, deps graph.DepOutputs) (*graph.RunResult, error) {
	req := &cert.Request{
		ARN:    deps.Get(nodeCertRequest, outCertARN),
		Status: cert.StatusPendingValidation,
	}
	issued, err := s.waiter.AwaitIssuance(ctx, req, s.cfg.ValidationTimeout.Duration)
	if err != nil {
		return nil, err
	}
	return &graph.RunResult{Outputs: graph.Outputs{
		outCertARN: issued.ARN,
		outStatus:  string(issued.Status),
	}}, nil
}

// verifyCertWait skips the blocking wait on re-apply when the previously
// issued certificate is still issued.
func (s *EdgeStack) verifyCertWait(ctx context.Context, prior graph.Outputs) (bool, error) {
	if prior[outStatus] != string(cert.StatusIssued) || prior[outCertARN] == "" {
		return false, nil
	}
	req, err := s.requester.Describe(ctx, prior[outCertARN])
	if err != nil {
		return false, err
	}
	return req.Status == cert.StatusIssued, nil
}

func (s *EdgeStack) runTargetGroup(ctx context.Context, _ graph.DepOutputs) (*graph.RunResult, error) {
	arn, err := s.registrar.EnsureTargetGroup(ctx, s.cfg.TargetGroup, s.cfg.VpcID, s.cfg.TargetPort, s.cfg.HealthCheck)
	if err != nil {
		return nil, err
	}
	return &graph.RunResult{Outputs: graph.Outputs{outTargetGroupARN: arn}}, nil
}

func (s *EdgeStack) destroyTargetGroup(ctx context.Context, _ graph.Outputs) error {
	return s.registrar.DeleteTargetGroup(ctx, s.cfg.TargetGroup)
}

func (s *EdgeStack) runRegister(ctx context.Context, deps graph.DepOutputs) (*graph.RunResult, error) {
	arn := deps.Get(nodeTargetGroup, outTargetGroupARN)
	if err := s.registrar.Register(ctx, arn, s.cfg.InstanceIDs); err != nil {
		return nil, err
	}
	return &graph.RunResult{Outputs: graph.Outputs{outTargetGroupARN: arn}}, nil
}

func (s *EdgeStack) destroyRegister(ctx context.Context, prior graph.Outputs) error {
	if prior[outTargetGroupARN] == "" {
		return nil
	}
	return s.registrar.Deregister(ctx, prior[outTargetGroupARN], s.cfg.InstanceIDs)
}

func (s *EdgeStack) runListener(ctx context.Context, deps graph.DepOutputs) (*graph.RunResult, error) {
	bound, err := s.binder.Bind(ctx, listener.BindInput{
		LoadBalancerARN: s.cfg.LoadBalancerARN,
		Port:            s.cfg.ListenerPort,
		Certificate: &cert.Request{
			ARN:    deps.Get(nodeCertWait, outCertARN),
			Status: cert.Status(deps.Get(nodeCertWait, outStatus)),
		},
		TargetGroupARN: deps.Get(nodeTargetGroup, outTargetGroupARN),
	})
	if err != nil {
		return nil, err
	}
	return &graph.RunResult{Outputs: graph.Outputs{
		outListenerARN:    bound.ARN,
		outEndpoint:       bound.Endpoint,
		outEndpointZoneID: bound.EndpointZoneID,
	}}, nil
}

func (s *EdgeStack) destroyListener(ctx context.Context, _ graph.Outputs) error {
	return s.binder.Unbind(ctx, s.cfg.LoadBalancerARN, s.cfg.ListenerPort)
}

func (s *EdgeStack) runAlias(ctx context.Context, deps graph.DepOutputs) (*graph.RunResult, error) {
	handle, err := s.publisher.PublishAlias(ctx,
		deps.Get(nodeZone, outZoneID),
		s.fqdn,
		dns.AliasTarget{
			DNSName:      deps.Get(nodeListener, outEndpoint),
			HostedZoneID: deps.Get(nodeListener, outEndpointZoneID),
		})
	if err != nil {
		return nil, err
	}
	return &graph.RunResult{Outputs: graph.Outputs{
		outZoneID:     handle.ZoneID,
		outRecordName: handle.Name,
		outRecordType: handle.Type,
	}}, nil
}

func (s *EdgeStack) destroyAlias(ctx context.Context, prior graph.Outputs) error {
	if prior[outRecordName] == "" {
		return nil
	}
	return s.publisher.Delete(ctx, prior[outZoneID], prior[outRecordName], prior[outRecordType])
}

// runCertRetire deletes the superseded certificate generation, if any, once
// the listener and alias are serving the replacement.
func (s *EdgeStack) runCertRetire(ctx context.Context, deps graph.DepOutputs) (*graph.RunResult, error) {
	previous := deps.Get(nodeCertRequest, outPreviousCertARN)
	if previous == "" {
		return &graph.RunResult{}, nil
	}
	if err := s.requester.Delete(ctx, previous); err != nil {
		return nil, err
	}
	s.log.Info("retired previous certificate generation", zap.String("arn", previous))
	return &graph.RunResult{Outputs: graph.Outputs{outRetiredARN: previous}}, nil
}

// registerStoredValidationNodes rebuilds validation record nodes from the
// persisted cert/request result so teardown can remove records created by an
// earlier process.
func (s *EdgeStack) registerStoredValidationNodes() error {
	st, ok := s.store.Get(nodeCertRequest)
	if !ok || st.Outputs[outValidationRecords] == "" {
		return nil
	}
	var records []dns.ValidationRecord
	if err := json.Unmarshal([]byte(st.Outputs[outValidationRecords]), &records); err != nil {
		return fmt.Errorf("decoding stored validation records: %w", err)
	}
	for _, rec := range records {
		n := s.validationNode(rec)
		n.DependsOn = append(n.DependsOn, nodeCertRequest)
		if s.exec.Has(n.ID) {
			continue
		}
		if err := s.exec.Add(n); err != nil {
			return err
		}
	}
	return nil
}
