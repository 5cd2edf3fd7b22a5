package handlers

import (
	"encoding/json"
	"net/http"
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the Bike Counts API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	locationParam := map[string]interface{}{
		"name":        "location",
		"in":          "path",
		"description": "Location slug or display name",
		"required":    true,
		"schema":      map[string]string{"type": "string"},
	}
	yearParam := queryParam("year", "Filter by calendar year", map[string]string{"type": "integer"})
	startParam := queryParam("start_date", "Filter by start date (YYYY-MM-DD)", map[string]string{"type": "string", "format": "date"})
	endParam := queryParam("end_date", "Filter by end date (YYYY-MM-DD)", map[string]string{"type": "string", "format": "date"})

	dailySchema := objectSchema(map[string]interface{}{
		"location":               map[string]string{"type": "string"},
		"year":                   map[string]string{"type": "integer"},
		"day_of_year":            map[string]string{"type": "integer"},
		"date":                   map[string]string{"type": "string", "format": "date-time"},
		"total":                  map[string]string{"type": "integer"},
		"channels":               map[string]interface{}{"type": "object", "additionalProperties": map[string]string{"type": "integer"}},
		"weekday":                map[string]string{"type": "integer"},
		"weekday_name":           map[string]string{"type": "string"},
		"month":                  map[string]string{"type": "integer"},
		"day_of_month":           map[string]string{"type": "integer"},
		"day_of_year_fractional": map[string]string{"type": "number"},
		"repaired":               map[string]string{"type": "boolean"},
	})
	weekdaySchema := objectSchema(map[string]interface{}{
		"weekday":      map[string]string{"type": "integer"},
		"weekday_name": map[string]string{"type": "string"},
		"year":         map[string]string{"type": "integer"},
		"mean":         map[string]string{"type": "number"},
		"std_dev":      map[string]interface{}{"type": "number", "nullable": true},
		"days":         map[string]string{"type": "integer"},
	})
	monthSchema := objectSchema(map[string]interface{}{
		"month":      map[string]string{"type": "integer"},
		"month_name": map[string]string{"type": "string"},
		"year":       map[string]string{"type": "integer"},
		"sum":        map[string]string{"type": "integer"},
		"mean":       map[string]string{"type": "number"},
		"days":       map[string]string{"type": "integer"},
	})
	rollingSchema := objectSchema(map[string]interface{}{
		"year":        map[string]string{"type": "integer"},
		"day_of_year": map[string]string{"type": "integer"},
		"date":        map[string]string{"type": "string", "format": "date-time"},
		"total":       map[string]interface{}{"type": "integer", "nullable": true},
	})

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Bike Counts API",
			"description": "Hourly bicycle counter history with gap repair, weekday and month rollups and trailing-year totals",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Bike Counts Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/locations": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":   "List counter locations",
					"responses": jsonResponses(listSchema(objectSchema(map[string]interface{}{
						"name":               map[string]string{"type": "string"},
						"slug":               map[string]string{"type": "string"},
						"dataset_id":         map[string]string{"type": "string"},
						"time_zone":          map[string]string{"type": "string"},
						"repair_broken_days": map[string]string{"type": "boolean"},
					}))),
				},
			},
			"/api/locations/{location}/daily": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get daily totals",
					"description": "Daily totals with repaired days flagged, paginated",
					"parameters": []map[string]interface{}{
						locationParam, yearParam, startParam, endParam,
						queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1}),
						queryParam("limit", "Records per page (default: 100)", map[string]interface{}{"type": "integer", "default": 100}),
					},
					"responses": jsonResponses(objectSchema(map[string]interface{}{
						"data":        map[string]interface{}{"type": "array", "items": dailySchema},
						"total":       map[string]string{"type": "integer"},
						"page":        map[string]string{"type": "integer"},
						"limit":       map[string]string{"type": "integer"},
						"total_pages": map[string]string{"type": "integer"},
					})),
				},
			},
			"/api/locations/{location}/weekday": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get weekday rollups",
					"description": "Mean and sample standard deviation of daily totals per weekday and year",
					"parameters":  []map[string]interface{}{locationParam, yearParam},
					"responses":   jsonResponses(listSchema(weekdaySchema)),
				},
			},
			"/api/locations/{location}/monthly": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get month rollups",
					"description": "Sum and mean of daily totals per month and year",
					"parameters":  []map[string]interface{}{locationParam, yearParam},
					"responses":   jsonResponses(listSchema(monthSchema)),
				},
			},
			"/api/locations/{location}/rolling": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get trailing-year totals",
					"description": "Sum of the last 365 daily totals ending on each day; null until a full window exists",
					"parameters":  []map[string]interface{}{locationParam, startParam, endParam},
					"responses":   jsonResponses(listSchema(rollingSchema)),
				},
			},
			"/api/locations/{location}/export.xlsx": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Download workbook",
					"parameters": []map[string]interface{}{locationParam},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "xlsx workbook with one sheet per table and charts",
							"content": map[string]interface{}{
								"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": map[string]interface{}{
									"schema": map[string]string{"type": "string", "format": "binary"},
								},
							},
						},
					},
				},
			},
			"/api/locations/{location}/refresh": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":     "Run the pipeline",
					"description": "Fetches the history when the cache is stale (or force is set), then rebuilds every derived table",
					"parameters": []map[string]interface{}{
						locationParam,
						queryParam("force", "Bypass the cache freshness check", map[string]interface{}{"type": "boolean", "default": false}),
					},
					"responses": jsonResponses(objectSchema(map[string]interface{}{
						"run_id":         map[string]string{"type": "string", "format": "uuid"},
						"location":       map[string]string{"type": "string"},
						"cache_decision": map[string]interface{}{"type": "string", "enum": []string{"fresh", "stale", "forced"}},
						"hourly_rows":    map[string]string{"type": "integer"},
						"daily_rows":     map[string]string{"type": "integer"},
						"broken_days":    map[string]string{"type": "integer"},
					})),
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Check if the API and its database are reachable",
					"responses": jsonResponses(objectSchema(map[string]interface{}{
						"status": map[string]string{"type": "string"},
					})),
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}

func queryParam(name, description string, schema interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func objectSchema(properties map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": properties}
}

func listSchema(item map[string]interface{}) map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"data":  map[string]interface{}{"type": "array", "items": item},
		"count": map[string]string{"type": "integer"},
	})
}

func jsonResponses(schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"200": map[string]interface{}{
			"description": "Successful response",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": schema},
			},
		},
		"default": map[string]interface{}{
			"description": "Error response",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": objectSchema(map[string]interface{}{
					"error":   map[string]string{"type": "string"},
					"message": map[string]string{"type": "string"},
					"code":    map[string]string{"type": "integer"},
				})},
			},
		},
	}
}
