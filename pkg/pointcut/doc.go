// Package pointcut computes and matches pointcut parameters: the request-derived data
// deciding which policies apply to a component.
//
// Factories turn a component id plus request attributes into canonical Parameters.
// A Matcher combines doublestar component globs with an optional CEL condition
// evaluated over those parameters.
package pointcut
