// Package steps provides the four workflow steps. Each step only wires its
// collaborator into the workflow contract: the actual prompt rewriting,
// content filtering, image synthesis, approval and scoring live behind the
// interfaces declared here.
package steps
